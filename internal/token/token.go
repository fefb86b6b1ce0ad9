// Package token manages the relay's persisted shared secret.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the token file created in the user's home directory.
const FileName = ".NMP_TOKEN"

const (
	minBytes = 8
	maxBytes = 16
)

// DefaultPath returns ~/.NMP_TOKEN.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("token path: %w", err)
	}
	return filepath.Join(home, FileName), nil
}

// LoadOrCreate reads the token stored at path. If the file does not exist a
// new random token is generated and written with mode 0600. Surrounding
// whitespace is ignored on read.
func LoadOrCreate(path string) (tok string, created bool, err error) {
	tok, err = Load(path)
	switch {
	case err == nil:
		return tok, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", false, err
	}

	tok, err = Generate()
	if err != nil {
		return "", false, err
	}

	// O_EXCL so a concurrent creator's token is not clobbered.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return LoadOrCreate(path)
		}
		return "", false, fmt.Errorf("create token: %w", err)
	}
	if _, err := f.WriteString(tok); err != nil {
		_ = f.Close()
		return "", false, fmt.Errorf("write token: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("write token: %w", err)
	}
	return tok, true, nil
}

// Generate returns the hex encoding of 8 to 16 random bytes.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxBytes-minBytes+1))
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	b := make([]byte, minBytes+int(n.Int64()))
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Load reads an existing token file without creating one.
func Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return tok, nil
}
