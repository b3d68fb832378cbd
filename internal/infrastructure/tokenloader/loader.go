package tokenloader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/utils"
)

// TokenFileLoader reads token lists from a directory holding one
// <network id>.json file per chain.
type TokenFileLoader struct {
	tokenDirPath string
	logger       port.Logger
}

// NewTokenLoader creates a new TokenFileLoader.
func NewTokenLoader(tokenDirPath string, logger port.Logger) *TokenFileLoader {
	return &TokenFileLoader{tokenDirPath: tokenDirPath, logger: logger}
}

// NetworkIDs returns the networks that have a token file, sorted.
func (l *TokenFileLoader) NetworkIDs() ([]string, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *TokenFileLoader) files() (map[string]string, error) {
	if l.tokenDirPath == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.tokenDirPath)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Token directory does not exist, no token files will be loaded", "path", l.tokenDirPath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token directory %s: %w", l.tokenDirPath, err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		networkID := strings.TrimSuffix(strings.ToLower(entry.Name()), ".json")
		if _, dup := files[networkID]; dup {
			l.logger.Warn("Duplicate token file for network, skipping", "file", entry.Name(), "network", networkID)
			continue
		}
		files[networkID] = filepath.Join(l.tokenDirPath, entry.Name())
	}
	return files, nil
}

// LoadTokens reads the token files of every chain in chains. The network of a
// token defaults to its file; tokens naming another network are skipped.
// Files of unknown networks are skipped as well.
func (l *TokenFileLoader) LoadTokens(chains map[string]entity.Chain) ([]entity.Token, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}

	var tokens []entity.Token
	for networkID, path := range files {
		chain, ok := chains[networkID]
		if !ok {
			l.logger.Warn("Token file found for an unknown network, skipping", "file", path, "network", networkID)
			continue
		}

		inFile, err := utils.LoadJSONFile[[]entity.Token](path)
		if err != nil {
			return nil, fmt.Errorf("failed to load token file: %w", err)
		}

		valid := 0
		for _, token := range inFile {
			token, ok := l.normalize(token, chain, path)
			if !ok {
				continue
			}
			tokens = append(tokens, token)
			valid++
		}
		l.logger.Debug("Loaded tokens for network from file", "network", networkID, "file", path, "count", valid)
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	l.logger.Info("Token files loaded", "directory", l.tokenDirPath, "files", len(files), "tokens", len(tokens))
	return tokens, nil
}

func (l *TokenFileLoader) normalize(token entity.Token, chain entity.Chain, path string) (entity.Token, bool) {
	if token.ID == "" {
		l.logger.Warn("Token without id in file, skipping token", "file", path, "symbol", token.Symbol)
		return token, false
	}
	if network := token.NetworkID(); network != "" && network != chain.ID {
		l.logger.Warn("Token has mismatched network in file, skipping token",
			"file", path, "token", token.ID, "tokenNetwork", network, "expectedNetwork", chain.ID)
		return token, false
	}

	if chain.Kind == entity.ChainKindEVM {
		token.ChainID, token.EVMNetworkID = "", chain.ID
		if token.Type == "" {
			token.Type = entity.TokenTypeEVMERC20
		}
	} else {
		token.ChainID, token.EVMNetworkID = chain.ID, ""
		if token.Type == "" {
			token.Type = entity.TokenTypeSubstrateAssets
		}
	}
	return token, true
}
