// Package bech32 implements BIP-173 bech32 encoding and decoding. netseal
// uses it to render key and token fingerprints as short, transcription-safe
// strings ("nskey1...", "nstok1...").
package bech32

import (
	"errors"
	"fmt"
	"strings"
)

// charset is the bech32 alphabet. 1, b, i and o are excluded to avoid
// transcription mistakes.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetIndex [128]int8

func init() {
	for i := range charsetIndex {
		charsetIndex[i] = -1
	}
	for i, c := range charset {
		charsetIndex[c] = int8(i)
		if c >= 'a' && c <= 'z' {
			charsetIndex[c-'a'+'A'] = int8(i)
		}
	}
}

var (
	// ErrInvalidString is returned for strings that are not bech32 at all:
	// bad length, bad characters, mixed case, or no separator.
	ErrInvalidString = errors.New("bech32: invalid string")

	// ErrChecksum is returned when a string parses but its checksum does
	// not verify.
	ErrChecksum = errors.New("bech32: checksum mismatch")
)

var generator = [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

// polymod computes the BCH checksum over 5-bit values.
func polymod(values []int) int {
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 == 1 {
				chk ^= generator[i]
			}
		}
	}
	return chk
}

func expandPrefix(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, int(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, int(c)&31)
	}
	return out
}

func checksum(hrp string, data []int) []int {
	values := append(expandPrefix(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	pm := polymod(values) ^ 1
	out := make([]int, 6)
	for i := range out {
		out[i] = (pm >> (5 * (5 - i))) & 31
	}
	return out
}

// regroup repacks a bit stream between group sizes. pad controls whether a
// trailing partial group is emitted (encoding) or rejected when it carries
// set bits (decoding).
func regroup(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := 0
	bits := uint(0)
	var out []byte
	maxVal := (1 << toBits) - 1
	for _, b := range data {
		acc = acc<<fromBits | int(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits)&byte(maxVal))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits))&byte(maxVal))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxVal != 0 {
		return nil, fmt.Errorf("%w: invalid padding", ErrInvalidString)
	}
	return out, nil
}

// Encode renders data as a bech32 string under the given human-readable
// prefix. The prefix is lowercased.
func Encode(hrp string, data []byte) (string, error) {
	hrp = strings.ToLower(hrp)
	if len(hrp) == 0 {
		return "", fmt.Errorf("%w: empty prefix", ErrInvalidString)
	}

	grouped, err := regroup(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	values := make([]int, len(grouped))
	for i, g := range grouped {
		values[i] = int(g)
	}
	values = append(values, checksum(hrp, values)...)

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range values {
		b.WriteByte(charset[v])
	}
	return b.String(), nil
}

// Decode parses a bech32 string, returning the lowercased prefix and the
// payload bytes.
func Decode(s string) (hrp string, data []byte, err error) {
	if len(s) < 8 {
		return "", nil, fmt.Errorf("%w: too short", ErrInvalidString)
	}

	lower := false
	upper := false
	for _, c := range s {
		if c < 33 || c > 126 {
			return "", nil, fmt.Errorf("%w: bad character", ErrInvalidString)
		}
		if c >= 'a' && c <= 'z' {
			lower = true
		}
		if c >= 'A' && c <= 'Z' {
			upper = true
		}
	}
	if lower && upper {
		return "", nil, fmt.Errorf("%w: mixed case", ErrInvalidString)
	}
	s = strings.ToLower(s)

	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return "", nil, fmt.Errorf("%w: missing separator", ErrInvalidString)
	}
	hrp = s[:sep]

	values := make([]int, 0, len(s)-sep-1)
	for _, c := range s[sep+1:] {
		v := charsetIndex[c]
		if v == -1 {
			return "", nil, fmt.Errorf("%w: bad data character", ErrInvalidString)
		}
		values = append(values, int(v))
	}

	if polymod(append(expandPrefix(hrp), values...)) != 1 {
		return "", nil, ErrChecksum
	}

	payload := values[:len(values)-6]
	grouped := make([]byte, len(payload))
	for i, v := range payload {
		grouped[i] = byte(v)
	}
	data, err = regroup(grouped, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, data, nil
}

// DecodeExpect decodes s and verifies the prefix matches hrp.
func DecodeExpect(hrp, s string) ([]byte, error) {
	got, data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if got != strings.ToLower(hrp) {
		return nil, fmt.Errorf("%w: prefix %q, want %q", ErrInvalidString, got, hrp)
	}
	return data, nil
}
