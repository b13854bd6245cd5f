// Package nstore persists the server's private AEAD key at rest. The key
// file is encrypted before it touches disk: with DPAPI on Windows, with
// nacl/secretbox under an embedded key elsewhere. The non-Windows form is
// obfuscation rather than strong protection; the goal is to keep key
// material out of plain text on disk and out of accidental backups.
package nstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/netseal/netseal/bech32"
	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
)

var (
	// ErrBadKeyFile is returned when a key file decrypts to the wrong
	// length.
	ErrBadKeyFile = errors.New("nstore: malformed key file")
)

// fingerprintHRP prefixes rendered key fingerprints.
const fingerprintHRP = "nskey"

// LoadOrCreate returns the server key stored at path, generating and
// persisting a fresh one on first use. The file is created 0600 with its
// directory 0700.
func LoadOrCreate(path string) (nsdef.Key, error) {
	var key nsdef.Key

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		plain, err := decryptValue(data)
		if err != nil {
			return key, fmt.Errorf("nstore: decrypt key file: %w", err)
		}
		if len(plain) != nsdef.KeyBytes {
			return key, ErrBadKeyFile
		}
		copy(key[:], plain)
		return key, nil

	case os.IsNotExist(err):
		if err := token.GenerateKey(&key); err != nil {
			return key, err
		}
		if err := Save(path, &key); err != nil {
			return nsdef.Key{}, err
		}
		return key, nil

	default:
		return key, fmt.Errorf("nstore: read key file: %w", err)
	}
}

// Save persists key at path, encrypted at rest.
func Save(path string, key *nsdef.Key) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("nstore: create key directory: %w", err)
		}
	}
	sealed, err := encryptValue(key[:])
	if err != nil {
		return fmt.Errorf("nstore: encrypt key: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("nstore: write key file: %w", err)
	}
	return nil
}

// Fingerprint renders a short operator-facing identifier for a key. It is a
// truncated blake2b hash in bech32 form; two deployments sharing a key show
// the same fingerprint, and nothing about the key leaks from it.
func Fingerprint(key *nsdef.Key) string {
	sum := blake2b.Sum256(key[:])
	s, err := bech32.Encode(fingerprintHRP, sum[:10])
	if err != nil {
		// Encoding a fixed-size hash never fails; keep the signature
		// string-only for call sites.
		return ""
	}
	return s
}
