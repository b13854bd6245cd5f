package bech32

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	data := []byte{0x00, 0x01, 0x02, 0xff, 0x80, 0x7f, 0x10, 0x20, 0x30, 0x40}
	s, err := Encode("nskey", data)
	require.NoError(err)
	require.Contains(s, "nskey1")

	hrp, got, err := Decode(s)
	require.NoError(err)
	require.Equal("nskey", hrp)
	require.Equal(data, got)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	require := require.New(t)

	s, err := Encode("nstok", []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(err)

	// Flip one data character.
	b := []byte(s)
	i := len(b) - 1
	if b[i] == 'q' {
		b[i] = 'p'
	} else {
		b[i] = 'q'
	}
	_, _, err = Decode(string(b))
	require.ErrorIs(err, ErrChecksum)

	_, _, err = Decode("nskey1")
	require.ErrorIs(err, ErrInvalidString)

	_, _, err = Decode("nsKEY1qqqqqqqq")
	require.ErrorIs(err, ErrInvalidString)
}

func TestDecodeCaseInsensitive(t *testing.T) {
	require := require.New(t)

	s, err := Encode("nskey", []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(err)

	hrp, got, err := Decode(strings.ToUpper(s))
	require.NoError(err)
	require.Equal("nskey", hrp)
	require.Equal([]byte{0xde, 0xad, 0xbe, 0xef}, got)
}

func TestDecodeExpect(t *testing.T) {
	require := require.New(t)

	s, err := Encode("nskey", []byte{9, 9, 9})
	require.NoError(err)

	_, err = DecodeExpect("nstok", s)
	require.ErrorIs(err, ErrInvalidString)

	got, err := DecodeExpect("nskey", s)
	require.NoError(err)
	require.Equal([]byte{9, 9, 9}, got)
}
