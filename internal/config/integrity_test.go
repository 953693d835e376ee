package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	require.NoError(t, WriteChecksums(path))
	require.NoError(t, VerifyChecksums(path))
}

func TestVerifyDetectsEdit(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	require.NoError(t, WriteChecksums(path))

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	err := VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestVerifyWithoutManifest(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	err := VerifyChecksums(path)
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestComputeHashIsStable(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	h1, err := ComputeHash(path)
	require.NoError(t, err)
	h2, err := ComputeHash(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
