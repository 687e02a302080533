package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// nodeConfigFilename is the name of the daemon's config file inside its data
// directory.
const nodeConfigFilename = "quantum.conf"

// nodeConfig holds the settings spendfrom reads from the daemon's own config
// file. Unknown keys are ignored.
type nodeConfig struct {
	RPCUser     string `mapstructure:"rpcuser"`
	RPCPassword string `mapstructure:"rpcpassword"`
	RPCPort     string `mapstructure:"rpcport"`
	RPCConnect  string `mapstructure:"rpcconnect"`
	TestNet     bool   `mapstructure:"testnet"`
	RegTest     bool   `mapstructure:"regtest"`
}

// readNodeConfig parses the key=value config file at path. A missing file
// yields an empty config.
func readNodeConfig(path string) (*nodeConfig, error) {
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debugf("No node config at %v", path)
		return &nodeConfig{}, nil

	case err != nil:
		return nil, err
	}
	defer f.Close()

	return parseNodeConfig(f)
}

// parseNodeConfig decodes the key=value lines read from r. Blank lines,
// comments and section headers are skipped. A repeated key keeps its last
// value.
func parseNodeConfig(r io.Reader) (*nodeConfig, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value",
				lineNum)
		}

		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var cfg nodeConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(values); err != nil {
		return nil, fmt.Errorf("decode node config: %w", err)
	}

	return &cfg, nil
}
