package token

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	tok, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.True(t, created)

	raw, err := hex.DecodeString(tok)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), minBytes)
	require.LessOrEqual(t, len(raw), maxBytes)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, tok, again)
}

func TestLoadOrCreateTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("  deadbeef\n"), 0o600))

	tok, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "deadbeef", tok)
}

func TestLoadOrCreateEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, _, err := LoadOrCreate(path)
	require.Error(t, err)
}

func TestGenerateVaries(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	require.ErrorIs(t, err, os.ErrNotExist)
}
