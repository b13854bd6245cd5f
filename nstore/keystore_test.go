package nstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netseal/netseal/nsdef"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "keys", "server.key")

	created, err := LoadOrCreate(path)
	require.NoError(err)
	require.NotEqual(nsdef.Key{}, created)

	// The file on disk is not the raw key.
	raw, err := os.ReadFile(path)
	require.NoError(err)
	require.NotContains(string(raw), string(created[:]))

	loaded, err := LoadOrCreate(path)
	require.NoError(err)
	require.Equal(created, loaded)
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "server.key")
	_, err := LoadOrCreate(path)
	require.NoError(err)

	raw, err := os.ReadFile(path)
	require.NoError(err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(os.WriteFile(path, raw, 0600))

	_, err = LoadOrCreate(path)
	require.Error(err)
}

func TestFingerprint(t *testing.T) {
	require := require.New(t)

	var a, b nsdef.Key
	a[0] = 1
	b[0] = 2

	fa := Fingerprint(&a)
	fb := Fingerprint(&b)
	require.True(strings.HasPrefix(fa, "nskey1"))
	require.NotEqual(fa, fb)
	require.Equal(fa, Fingerprint(&a))
}
