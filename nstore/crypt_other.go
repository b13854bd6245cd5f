//go:build !windows

package nstore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// embeddedKey obfuscates key files at rest on platforms without an OS
// credential vault. Anyone holding the binary can extract it; the threat
// model here is plain-text keys in backups and dotfile repos, not a local
// attacker.
var embeddedKey = [32]byte{
	0x4e, 0x91, 0x2a, 0xc7, 0x5d, 0x08, 0xe3, 0xb6,
	0x1f, 0x74, 0xa9, 0x3c, 0x88, 0xd1, 0x26, 0x5b,
	0xe0, 0x47, 0x9a, 0x13, 0xfc, 0x62, 0x0d, 0xb8,
	0x35, 0xce, 0x51, 0xa4, 0x7e, 0x09, 0xf2, 0x6d,
}

// encryptValue seals plaintext with nacl/secretbox under the embedded key.
// The result is nonce (24 bytes) + ciphertext.
func encryptValue(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &embeddedKey), nil
}

// decryptValue reverses encryptValue.
func decryptValue(data []byte) ([]byte, error) {
	if len(data) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	plain, ok := secretbox.Open(nil, data[24:], &nonce, &embeddedKey)
	if !ok {
		return nil, fmt.Errorf("decrypt failed")
	}
	return plain, nil
}
