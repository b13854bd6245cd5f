package issuer

import (
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
)

func openTestIssuer(t *testing.T, wallClock func() uint64) (*Issuer, nsdef.Key) {
	t.Helper()

	var key nsdef.Key
	require.NoError(t, token.GenerateKey(&key))

	is, err := Open(Config{
		DBPath:        filepath.Join(t.TempDir(), "mints.db"),
		PrivateKey:    key,
		ProtocolID:    7,
		TokenLifetime: 30,
		WallClock:     wallClock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { is.Close() })
	return is, key
}

func TestMintProducesUsableGrant(t *testing.T) {
	require := require.New(t)

	now := uint64(5000)
	is, key := openTestIssuer(t, func() uint64 { return now })

	serverAddr := netip.MustParseAddrPort("10.0.0.1:40000")
	grant, err := is.Mint(0x1111, []netip.AddrPort{serverAddr})
	require.NoError(err)
	require.Equal(uint64(0x1111), grant.ClientID)
	require.Equal(uint64(5030), grant.Expiry)
	require.Len(grant.TokenData, nsdef.ConnectTokenBytes)
	require.True(strings.HasPrefix(grant.Fingerprint, "nstok1"))

	// The sealed token opens under the server key and matches the grant.
	got, err := token.DecryptConnectToken(grant.TokenData, nil, &grant.TokenNonce, &key)
	require.NoError(err)
	require.Equal(uint64(0x1111), got.ClientID)
	require.Equal(uint32(7), got.ProtocolID)
	require.Equal(grant.Expiry, got.ExpiryTimestamp)
	require.Equal([]netip.AddrPort{serverAddr}, got.ServerAddresses)
	require.Equal(grant.ClientToServerKey, got.ClientToServerKey)
	require.Equal(grant.ServerToClientKey, got.ServerToClientKey)
}

func TestMintRejectsZeroClientID(t *testing.T) {
	is, _ := openTestIssuer(t, nil)
	_, err := is.Mint(0, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:40000")})
	require.ErrorIs(t, err, ErrZeroClientID)
}

func TestMintRejectsBadAddressLists(t *testing.T) {
	require := require.New(t)

	is, _ := openTestIssuer(t, nil)
	_, err := is.Mint(1, nil)
	require.ErrorIs(err, token.ErrNoServerAddresses)

	var many []netip.AddrPort
	for i := 0; i < nsdef.MaxServersPerConnectToken+1; i++ {
		many = append(many, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 40000))
	}
	_, err = is.Mint(1, many)
	require.ErrorIs(err, token.ErrTooManyServerAddresses)
}

func TestLedgerRecordsAndSweep(t *testing.T) {
	require := require.New(t)

	now := uint64(1000)
	is, _ := openTestIssuer(t, func() uint64 { return now })
	addr := []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:40000")}

	a, err := is.Mint(1, addr)
	require.NoError(err)
	now = 1010
	b, err := is.Mint(2, addr)
	require.NoError(err)
	require.NotEqual(a.Fingerprint, b.Fingerprint)

	records, err := is.Records()
	require.NoError(err)
	require.Len(records, 2)

	// Token a expires at 1030; at exactly 1030 it is expired and swept,
	// token b (expires 1040) survives.
	now = 1030
	removed, err := is.Sweep()
	require.NoError(err)
	require.Equal(1, removed)

	records, err = is.Records()
	require.NoError(err)
	require.Len(records, 1)
	require.Equal(uint64(2), records[0].ClientID)

	// Sweeping again removes nothing.
	removed, err = is.Sweep()
	require.NoError(err)
	require.Equal(0, removed)
}
