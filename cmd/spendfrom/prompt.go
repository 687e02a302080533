package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// errNoTerminal is returned when a secret is needed but stdin is not a
// terminal to read it from.
var errNoTerminal = errors.New("stdin is not a terminal")

// promptSecret prints prompt to stderr and reads a line from the terminal
// without echo.
func promptSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errNoTerminal
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}

	return secret, nil
}

// passphrasePrompt returns the prompt used to unlock the wallet for signing,
// or nil if there is no terminal to prompt on.
func passphrasePrompt() func() ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	return func() ([]byte, error) {
		return promptSecret("Wallet passphrase: ")
	}
}
