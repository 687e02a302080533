package wallet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendfrom/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestValidateOutPoints checks the validation of manual input lists.
func TestValidateOutPoints(t *testing.T) {
	t.Parallel()

	op1 := wire.OutPoint{Hash: testHash(1), Index: 0}
	op2 := wire.OutPoint{Hash: testHash(1), Index: 1}

	require.ErrorIs(t, validateOutPoints(nil), ErrManualInputsEmpty)
	require.NoError(t, validateOutPoints([]wire.OutPoint{op1, op2}))

	err := validateOutPoints([]wire.OutPoint{op1, op2, op1})
	require.ErrorIs(t, err, ErrDuplicatedUtxo)
	require.ErrorIs(t, err, ErrInvalidOutputReference)
}

// TestSelectionTargetValidate checks the checks performed before the catalog
// is consulted.
func TestSelectionTargetValidate(t *testing.T) {
	t.Parallel()

	fixed := &FeeFixed{Amount: 1000}

	testCases := []struct {
		name        string
		target      SelectionTarget
		expectedErr error
	}{
		{
			name:        "zero amount",
			target:      SelectionTarget{Fee: fixed},
			expectedErr: ErrInvalidAmount,
		},
		{
			name: "amount above max money",
			target: SelectionTarget{
				Amount: btcutil.MaxSatoshi + 1,
				Fee:    fixed,
			},
			expectedErr: ErrInvalidAmount,
		},
		{
			name: "fixed fee above max money",
			target: SelectionTarget{
				Amount: 1000,
				Fee: &FeeFixed{
					Amount: btcutil.MaxSatoshi + 1,
				},
			},
			expectedErr: ErrFeeTooHigh,
		},
		{
			name:        "missing fee",
			target:      SelectionTarget{Amount: 1000},
			expectedErr: ErrMissingFee,
		},
		{
			name: "zero fee rate",
			target: SelectionTarget{
				Amount: 1000,
				Fee:    &FeeRate{},
			},
			expectedErr: ErrMissingFeeRate,
		},
		{
			name: "fee rate too large",
			target: SelectionTarget{
				Amount: 1000,
				Fee: &FeeRate{
					Rate: btcunit.NewSatPerKVByte(1_000_001),
				},
			},
			expectedErr: ErrFeeRateTooLarge,
		},
		{
			name: "empty manual inputs",
			target: SelectionTarget{
				Amount: 1000,
				Fee:    fixed,
				Inputs: &InputsManual{},
			},
			expectedErr: ErrManualInputsEmpty,
		},
		{
			name: "valid policy",
			target: SelectionTarget{
				Amount: 1000,
				Fee:    fixed,
				Inputs: &InputsPolicy{},
			},
		},
		{
			name: "valid default inputs",
			target: SelectionTarget{
				Amount: 1000,
				Fee: &FeeRate{
					Rate: btcunit.NewSatPerKVByte(1000),
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.target.validate()
			if tc.expectedErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

// TestFeeRateFeeFor checks the size based fee of a P2PKH spend.
func TestFeeRateFeeFor(t *testing.T) {
	t.Parallel()

	rate := &FeeRate{Rate: btcunit.NewSatPerKVByte(1000)}

	// One P2PKH input, a payee and a change output take 227 bytes. Each
	// further input adds 149 bytes.
	require.Equal(t, btcutil.Amount(227), rate.feeFor(1, payeePlaceholder))
	require.Equal(t, btcutil.Amount(376), rate.feeFor(2, payeePlaceholder))

	fixed := &FeeFixed{Amount: 5000}
	require.Equal(t, btcutil.Amount(5000), fixed.feeFor(1, payeePlaceholder))
	require.Equal(
		t, btcutil.Amount(5000), fixed.feeFor(10, payeePlaceholder),
	)
}

// TestFeeRatePayeeScript checks that the payee output is sized by its real
// script.
func TestFeeRatePayeeScript(t *testing.T) {
	t.Parallel()

	// Arrange: A P2WSH payee script is 9 bytes longer than a P2PKH one.
	rate := &FeeRate{Rate: btcunit.NewSatPerKVByte(2000)}
	p2wsh := append([]byte{0x00, 0x20}, make([]byte, 32)...)
	target := SelectionTarget{
		Amount:      1000,
		Fee:         rate,
		PayeeScript: p2wsh,
	}

	// Act: Estimate the fee with and without the payee script.
	withScript := rate.feeFor(1, target.payeeOutput())
	target.PayeeScript = nil
	withoutScript := rate.feeFor(1, target.payeeOutput())

	// Assert: The longer script costs 9 vbytes at 2 sat/vb.
	require.Equal(t, btcutil.Amount(454), withoutScript)
	require.Equal(t, withoutScript+18, withScript)
}

// TestSelectPayeeScriptFee checks that the selector charges for the size of
// the real payee output.
func TestSelectPayeeScriptFee(t *testing.T) {
	t.Parallel()

	// Arrange: A single coin and a P2WSH payee.
	catalog := newTestCatalog(t, unspent{txSeed: 1, amount: 1})
	rate := &FeeRate{Rate: btcunit.NewSatPerKVByte(1000)}
	p2wsh := append([]byte{0x00, 0x20}, make([]byte, 32)...)

	// Act: Select for the payment.
	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount:      btc(t, 0.5),
		Fee:         rate,
		PayeeScript: p2wsh,
	})

	// Assert: The fee covers 236 vbytes instead of 227.
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(236), sel.Fee)
	require.Equal(t, btc(t, 1)-btc(t, 0.5)-236, sel.Change)
}

// TestSelectFixedFeeAboveMaxMoney checks that a fixed fee above the money
// supply is rejected instead of overflowing the needed amount.
func TestSelectFixedFeeAboveMaxMoney(t *testing.T) {
	t.Parallel()

	// Arrange: A single coin and a fee close to the int64 limit.
	catalog := newTestCatalog(t, unspent{txSeed: 1, amount: 1})

	// Act: Select with the huge fee.
	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount: btc(t, 0.5),
		Fee:    &FeeFixed{Amount: math.MaxInt64},
	})

	// Assert: No selection is returned.
	require.ErrorIs(t, err, ErrFeeTooHigh)
	require.Nil(t, sel)
}

// TestNewCoinSelectionDeficit checks that a selection leaving negative
// change is refused.
func TestNewCoinSelectionDeficit(t *testing.T) {
	t.Parallel()

	// Arrange: The chosen coin does not cover payment and fee.
	chosen := []UnspentOutput{{Amount: 1000}}
	target := &SelectionTarget{Amount: 900, Fee: &FeeFixed{Amount: 200}}

	// Act: Split the total.
	sel, err := newCoinSelection(target, chosen, 1000, 200)

	// Assert: The deficit is reported as a value mismatch.
	require.ErrorIs(t, err, ErrValueMismatch)
	require.Nil(t, sel)

	// An exactly covered target leaves zero change.
	sel, err = newCoinSelection(target, chosen, 1100, 200)
	require.NoError(t, err)
	require.Zero(t, sel.Change)
}

// TestSelectEmptyCatalog checks that selecting from an empty catalog fails
// with ErrEmptyCatalog.
func TestSelectEmptyCatalog(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t)

	_, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount: 1000,
		Fee:    &FeeFixed{Amount: 100},
	})
	require.ErrorIs(t, err, ErrEmptyCatalog)
}

// TestSelectSufficiency checks that a successful greedy selection always
// covers the payment plus fee and that change is the exact remainder.
func TestSelectSufficiency(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t,
		unspent{txSeed: 1, amount: 0.1},
		unspent{txSeed: 2, amount: 0.2},
		unspent{txSeed: 3, amount: 0.3},
		unspent{txSeed: 4, amount: 0.05},
	)

	rate := &FeeRate{Rate: btcunit.NewSatPerKVByte(10_000)}
	for _, coins := range []float64{0.01, 0.1, 0.3, 0.35, 0.5, 0.6} {
		amount := btc(t, coins)

		sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
			Amount: amount,
			Fee:    rate,
		})
		require.NoError(t, err, "amount %v", amount)

		var total btcutil.Amount
		for _, input := range sel.Inputs {
			total += input.Amount
		}

		require.Equal(t, total, sel.Total)
		require.Equal(t, amount, sel.PayeeAmount)
		require.Equal(
			t, rate.feeFor(len(sel.Inputs), payeePlaceholder),
			sel.Fee,
		)
		require.GreaterOrEqual(t, sel.Total, sel.PayeeAmount+sel.Fee)
		require.Equal(t, sel.Total-sel.PayeeAmount-sel.Fee, sel.Change)
		require.GreaterOrEqual(t, sel.Change, btcutil.Amount(0))
	}
}

// TestSelectGreedyOrder checks the largest first order and that the
// accumulation stops as soon as the target is covered.
func TestSelectGreedyOrder(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t,
		unspent{txSeed: 1, amount: 0.1},
		unspent{txSeed: 2, amount: 0.5},
		unspent{txSeed: 3, amount: 0.3},
	)

	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount: btc(t, 0.7),
		Fee:    &FeeFixed{Amount: 1000},
	})
	require.NoError(t, err)

	require.Len(t, sel.Inputs, 2)
	require.Equal(t, btc(t, 0.5), sel.Inputs[0].Amount)
	require.Equal(t, btc(t, 0.3), sel.Inputs[1].Amount)
	require.Equal(t, btc(t, 0.1)-1000, sel.Change)
}

// TestSelectGreedyDeterminism checks that the same catalog contents yield the
// same selection regardless of the order the daemon listed them in, with
// ties broken by txid and output index.
func TestSelectGreedyDeterminism(t *testing.T) {
	t.Parallel()

	utxos := []unspent{
		{txSeed: 0x30, vout: 1, amount: 0.2},
		{txSeed: 0x10, vout: 2, amount: 0.2},
		{txSeed: 0x10, vout: 0, amount: 0.2},
		{txSeed: 0x20, vout: 0, amount: 0.2},
		{txSeed: 0x40, vout: 0, amount: 0.1},
	}

	target := SelectionTarget{
		Amount: btc(t, 0.5),
		Fee:    &FeeRate{Rate: btcunit.NewSatPerKVByte(1000)},
	}

	expected := []wire.OutPoint{
		utxos[2].outPoint(),
		utxos[1].outPoint(),
		utxos[3].outPoint(),
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := make([]unspent, len(utxos))
		copy(shuffled, utxos)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		catalog := newTestCatalog(t, shuffled...)

		sel, err := NewCoinSelector().Select(catalog, target)
		require.NoError(t, err)

		chosen := make([]wire.OutPoint, 0, len(sel.Inputs))
		for _, input := range sel.Inputs {
			chosen = append(chosen, input.OutPoint)
		}
		require.Equal(t, expected, chosen)
	}
}

// TestSelectExplicitCoinControl checks that manual inputs are used exactly,
// even when the greedy policy would choose differently.
func TestSelectExplicitCoinControl(t *testing.T) {
	t.Parallel()

	// Arrange: The wallet holds 1.5 and 3.0. A greedy selection of 1.0
	// would take the 3.0 output.
	small := unspent{txSeed: 1, amount: 1.5}
	large := unspent{txSeed: 2, amount: 3}
	catalog := newTestCatalog(t, small, large)

	// Act: Pay 1.0 using only the 1.5 output.
	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount: btc(t, 1),
		Fee:    &FeeFixed{Amount: 10_000},
		Inputs: &InputsManual{UTXOs: []wire.OutPoint{small.outPoint()}},
	})

	// Assert: The single requested output funds the payment and the
	// remainder minus fee is change.
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, small.outPoint(), sel.Inputs[0].OutPoint)
	require.Equal(t, btc(t, 1), sel.PayeeAmount)
	require.Equal(t, btc(t, 0.5)-10_000, sel.Change)
}

// TestSelectInsufficientFunds checks the error reported when the wallet
// can't cover the payment.
func TestSelectInsufficientFunds(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t, unspent{txSeed: 1, amount: 0.3})
	fee := btcutil.Amount(10_000)

	testCases := []struct {
		name   string
		inputs Inputs
	}{
		{
			name:   "greedy",
			inputs: &InputsPolicy{},
		},
		{
			name: "manual",
			inputs: &InputsManual{UTXOs: []wire.OutPoint{
				{Hash: testHash(1), Index: 0},
			}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewCoinSelector().Select(catalog, SelectionTarget{
				Amount: btc(t, 1),
				Fee:    &FeeFixed{Amount: fee},
				Inputs: tc.inputs,
			})
			require.ErrorIs(t, err, ErrInsufficientFunds)

			var fundsErr *InsufficientFundsError
			require.ErrorAs(t, err, &fundsErr)
			require.Equal(t, btc(t, 1)+fee, fundsErr.Needed)
			require.Equal(t, btc(t, 0.3), fundsErr.Available)
			require.Equal(t, btc(t, 0.7)+fee, fundsErr.Shortfall)
		})
	}
}

// TestSelectInvalidReferences checks that unknown, repeated, consumed and
// foreign outpoints are rejected.
func TestSelectInvalidReferences(t *testing.T) {
	t.Parallel()

	alice := unspent{txSeed: 1, account: "alice", amount: 1}
	bob := unspent{txSeed: 2, account: "bob", amount: 1}
	catalog := newTestCatalog(t, alice, bob)

	target := func(account fn.Option[string],
		ops ...wire.OutPoint) SelectionTarget {

		return SelectionTarget{
			Account: account,
			Amount:  btc(t, 0.1),
			Fee:     &FeeFixed{Amount: 1000},
			Inputs:  &InputsManual{UTXOs: ops},
		}
	}

	unknown := wire.OutPoint{Hash: testHash(9), Index: 0}

	testCases := []struct {
		name   string
		target SelectionTarget
	}{
		{
			name:   "unknown outpoint",
			target: target(fn.None[string](), unknown),
		},
		{
			name: "repeated outpoint",
			target: target(
				fn.None[string](), alice.outPoint(),
				alice.outPoint(),
			),
		},
		{
			name:   "foreign account",
			target: target(fn.Some("alice"), bob.outPoint()),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewCoinSelector().Select(catalog, tc.target)
			require.ErrorIs(t, err, ErrInvalidOutputReference)
		})
	}

	// An output handed out once can't be selected again by the same
	// selector, neither explicitly nor greedily.
	selector := NewCoinSelector()
	_, err := selector.Select(
		catalog, target(fn.None[string](), alice.outPoint()),
	)
	require.NoError(t, err)

	_, err = selector.Select(
		catalog, target(fn.None[string](), alice.outPoint()),
	)
	require.ErrorIs(t, err, ErrInvalidOutputReference)
	require.ErrorIs(t, err, ErrUtxoConsumed)

	sel, err := selector.Select(catalog, SelectionTarget{
		Amount: btc(t, 0.1),
		Fee:    &FeeFixed{Amount: 1000},
	})
	require.NoError(t, err)
	require.Equal(t, bob.outPoint(), sel.Inputs[0].OutPoint)
}

// TestSelectAccountFilter checks that greedy selection skips outputs of
// other accounts.
func TestSelectAccountFilter(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t,
		unspent{txSeed: 1, account: "alice", amount: 0.2},
		unspent{txSeed: 2, account: "bob", amount: 5},
	)

	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Account: fn.Some("alice"),
		Amount:  btc(t, 0.1),
		Fee:     &FeeFixed{Amount: 1000},
	})
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, "alice", sel.Inputs[0].Account)

	_, err = NewCoinSelector().Select(catalog, SelectionTarget{
		Account: fn.Some("alice"),
		Amount:  btc(t, 1),
		Fee:     &FeeFixed{Amount: 1000},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestSelectFeeDeduction checks both fee placements.
func TestSelectFeeDeduction(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t, unspent{txSeed: 1, amount: 1})
	op := unspent{txSeed: 1}.outPoint()
	fee := btcutil.Amount(20_000)

	// Fee on top: the payee gets the full amount.
	sel, err := NewCoinSelector().Select(catalog, SelectionTarget{
		Amount: btc(t, 0.4),
		Fee:    &FeeFixed{Amount: fee},
		Inputs: &InputsManual{UTXOs: []wire.OutPoint{op}},
	})
	require.NoError(t, err)
	require.Equal(t, btc(t, 0.4), sel.PayeeAmount)
	require.Equal(t, btc(t, 0.6)-fee, sel.Change)

	// Fee deducted: the payee gets the amount minus the fee and change
	// is unaffected by the fee.
	sel, err = NewCoinSelector().Select(catalog, SelectionTarget{
		Amount:       btc(t, 0.4),
		Fee:          &FeeFixed{Amount: fee},
		FeeDeduction: FeeDeductedFromPayee,
		Inputs:       &InputsManual{UTXOs: []wire.OutPoint{op}},
	})
	require.NoError(t, err)
	require.Equal(t, btc(t, 0.4)-fee, sel.PayeeAmount)
	require.Equal(t, btc(t, 0.6), sel.Change)
	require.Equal(t, FeeDeductedFromPayee, sel.FeeDeduction)

	// Spending the whole wallet is possible when the fee is deducted.
	sel, err = NewCoinSelector().Select(catalog, SelectionTarget{
		Amount:       btc(t, 1),
		Fee:          &FeeFixed{Amount: fee},
		FeeDeduction: FeeDeductedFromPayee,
	})
	require.NoError(t, err)
	require.Zero(t, sel.Change)
	require.Equal(t, btc(t, 1)-fee, sel.PayeeAmount)

	// A fee swallowing the whole amount is rejected.
	_, err = NewCoinSelector().Select(catalog, SelectionTarget{
		Amount:       fee,
		Fee:          &FeeFixed{Amount: fee},
		FeeDeduction: FeeDeductedFromPayee,
	})
	require.ErrorIs(t, err, ErrFeeExceedsAmount)
}

// TestRandomCoinSelector checks that the random strategy drops outputs that
// cost more to spend than they are worth.
func TestRandomCoinSelector(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog(t,
		unspent{txSeed: 1, amount: 0.00000100},
		unspent{txSeed: 2, amount: 0.1},
		unspent{txSeed: 3, amount: 0.2},
	)

	// At 10 sat/vb a P2PKH input costs well over 100 satoshis.
	arranged, err := CoinSelectionRandom.ArrangeCoins(
		catalog.Outputs(), 10_000,
	)
	require.NoError(t, err)
	require.Len(t, arranged, 2)
	for _, output := range arranged {
		require.NotEqual(t, btcutil.Amount(100), output.Amount)
	}
}
