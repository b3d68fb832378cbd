package walletloader

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"balance_engine/internal/app/modules/substrate"
	"balance_engine/internal/app/port"
)

// AddressFileLoader implements port.AddressProvider by reading one address per
// line from a file. Blank lines and lines starting with # are ignored.
type AddressFileLoader struct {
	filePath string
	logger   port.Logger
}

// NewAddressFileLoader creates a new AddressFileLoader.
func NewAddressFileLoader(filePath string, logger port.Logger) port.AddressProvider {
	return &AddressFileLoader{filePath: filePath, logger: logger}
}

// GetAddresses reads the addresses from the configured file path. Invalid
// addresses are skipped; duplicates are kept once.
func (l *AddressFileLoader) GetAddresses() ([]string, error) {
	if l.filePath == "" {
		return nil, nil
	}
	file, err := os.Open(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open address file %s: %w", l.filePath, err)
	}
	defer file.Close()

	var addresses []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := substrate.DecodeAddress(line); err != nil {
			l.logger.Warn("Skipping invalid address", "file", l.filePath, "line_number", lineNum, "address", line, "error", err)
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		addresses = append(addresses, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning address file %s: %w", l.filePath, err)
	}

	l.logger.Info("Addresses loaded successfully from file", "count", len(addresses), "path", l.filePath)
	return addresses, nil
}
