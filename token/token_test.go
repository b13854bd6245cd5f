package token

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netseal/netseal/nsdef"
)

func testAddr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestConnectTokenRoundTrip(t *testing.T) {
	require := require.New(t)

	addrs := []netip.AddrPort{
		testAddr("10.0.0.1:40000"),
		testAddr("[2001:db8::1]:40000"),
	}
	tok, err := GenerateConnectToken(0x1111, addrs, 0x22334455, 12345)
	require.NoError(err)
	require.Equal(uint64(0x1111), tok.ClientID)
	require.Equal(uint32(0x22334455), tok.ProtocolID)
	require.Equal(uint64(12345), tok.ExpiryTimestamp)
	require.Len(tok.ServerAddresses, 2)
	require.NotEqual(nsdef.Key{}, tok.ClientToServerKey)
	require.NotEqual(nsdef.Key{}, tok.ServerToClientKey)
	require.NotEqual(tok.ClientToServerKey, tok.ServerToClientKey)

	var key nsdef.Key
	require.NoError(GenerateKey(&key))
	var nonce nsdef.Nonce
	require.NoError(GenerateNonce(&nonce))

	ciphertext, err := EncryptConnectToken(tok, nil, &nonce, &key)
	require.NoError(err)
	require.Len(ciphertext, nsdef.ConnectTokenBytes)

	got, err := DecryptConnectToken(ciphertext, nil, &nonce, &key)
	require.NoError(err)
	require.Equal(tok, got)
}

func TestConnectTokenCiphertextUnique(t *testing.T) {
	require := require.New(t)

	addrs := []netip.AddrPort{testAddr("10.0.0.1:40000")}
	a, err := GenerateConnectToken(7, addrs, 1, 99)
	require.NoError(err)
	b, err := GenerateConnectToken(7, addrs, 1, 99)
	require.NoError(err)

	// Identical logical tokens still differ in Random, so the ciphertexts
	// differ even under the same nonce and key.
	var key nsdef.Key
	require.NoError(GenerateKey(&key))
	var nonce nsdef.Nonce

	ca, err := EncryptConnectToken(a, nil, &nonce, &key)
	require.NoError(err)
	cb, err := EncryptConnectToken(b, nil, &nonce, &key)
	require.NoError(err)
	require.NotEqual(ca, cb)
}

func TestConnectTokenDecryptFailures(t *testing.T) {
	require := require.New(t)

	tok, err := GenerateConnectToken(1, []netip.AddrPort{testAddr("10.0.0.1:40000")}, 1, 99)
	require.NoError(err)

	var key, wrongKey nsdef.Key
	require.NoError(GenerateKey(&key))
	require.NoError(GenerateKey(&wrongKey))
	var nonce nsdef.Nonce

	ciphertext, err := EncryptConnectToken(tok, nil, &nonce, &key)
	require.NoError(err)

	_, err = DecryptConnectToken(ciphertext, nil, &nonce, &wrongKey)
	require.ErrorIs(err, ErrDecryptFailed)

	var wrongNonce nsdef.Nonce
	wrongNonce[0] = 1
	_, err = DecryptConnectToken(ciphertext, nil, &wrongNonce, &key)
	require.ErrorIs(err, ErrDecryptFailed)

	tampered := append([]byte(nil), ciphertext...)
	tampered[100] ^= 0xff
	_, err = DecryptConnectToken(tampered, nil, &nonce, &key)
	require.ErrorIs(err, ErrDecryptFailed)

	_, err = DecryptConnectToken(ciphertext[:nsdef.ConnectTokenBytes-1], nil, &nonce, &key)
	require.Error(err)
}

func TestGenerateConnectTokenAddressBounds(t *testing.T) {
	require := require.New(t)

	_, err := GenerateConnectToken(1, nil, 1, 99)
	require.ErrorIs(err, ErrNoServerAddresses)

	var many []netip.AddrPort
	for i := 0; i < nsdef.MaxServersPerConnectToken+1; i++ {
		many = append(many, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 40000))
	}
	_, err = GenerateConnectToken(1, many, 1, 99)
	require.ErrorIs(err, ErrTooManyServerAddresses)

	_, err = GenerateConnectToken(1, many[:nsdef.MaxServersPerConnectToken], 1, 99)
	require.NoError(err)
}

func TestChallengeTokenRoundTrip(t *testing.T) {
	require := require.New(t)

	connect, err := GenerateConnectToken(0xabcd, []netip.AddrPort{testAddr("10.0.0.1:40000")}, 1, 99)
	require.NoError(err)

	clientAddr := testAddr("192.168.1.50:55123")
	serverAddr := testAddr("10.0.0.1:40000")
	mac := make([]byte, nsdef.MacBytes)
	for i := range mac {
		mac[i] = byte(i)
	}

	challenge, err := GenerateChallengeToken(connect, clientAddr, serverAddr, mac)
	require.NoError(err)
	require.Equal(connect.ClientID, challenge.ClientID)
	require.Equal(connect.ClientToServerKey, challenge.ClientToServerKey)
	require.Equal(connect.ServerToClientKey, challenge.ServerToClientKey)
	require.Equal(clientAddr, challenge.ClientAddress)
	require.Equal(serverAddr, challenge.ServerAddress)

	var key nsdef.Key
	require.NoError(GenerateKey(&key))
	var nonce nsdef.Nonce
	nonce[3] = 7

	ciphertext, err := EncryptChallengeToken(challenge, nil, &nonce, &key)
	require.NoError(err)
	require.Len(ciphertext, nsdef.ChallengeTokenBytes)

	got, err := DecryptChallengeToken(ciphertext, nil, &nonce, &key)
	require.NoError(err)
	require.Equal(challenge, got)
}

func TestGenerateChallengeTokenRejects(t *testing.T) {
	require := require.New(t)

	connect, err := GenerateConnectToken(5, []netip.AddrPort{testAddr("10.0.0.1:40000")}, 1, 99)
	require.NoError(err)
	mac := make([]byte, nsdef.MacBytes)

	bad := *connect
	bad.ClientID = 0
	_, err = GenerateChallengeToken(&bad, testAddr("1.2.3.4:5"), testAddr("10.0.0.1:40000"), mac)
	require.ErrorIs(err, ErrZeroClientID)

	_, err = GenerateChallengeToken(connect, netip.AddrPort{}, testAddr("10.0.0.1:40000"), mac)
	require.ErrorIs(err, ErrInvalidClientAddress)
}

func TestSealOpenAdditionalData(t *testing.T) {
	require := require.New(t)

	var key nsdef.Key
	require.NoError(GenerateKey(&key))
	var nonce nsdef.Nonce

	plain := []byte("session payload")
	sealed, err := Seal(plain, []byte("context"), &nonce, &key)
	require.NoError(err)
	require.Len(sealed, len(plain)+nsdef.AuthBytes)

	got, err := Open(sealed, []byte("context"), &nonce, &key)
	require.NoError(err)
	require.Equal(plain, got)

	_, err = Open(sealed, []byte("other"), &nonce, &key)
	require.ErrorIs(err, ErrDecryptFailed)
}
