package token

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/netseal/netseal/nsdef"
)

// GenerateKey fills k with entropy from crypto/rand.
func GenerateKey(k *nsdef.Key) error {
	if _, err := rand.Read(k[:]); err != nil {
		return fmt.Errorf("token: generate key: %w", err)
	}
	return nil
}

// GenerateNonce fills n with entropy from crypto/rand.
func GenerateNonce(n *nsdef.Nonce) error {
	if _, err := rand.Read(n[:]); err != nil {
		return fmt.Errorf("token: generate nonce: %w", err)
	}
	return nil
}

// Seal AEAD-encrypts plaintext with the given nonce and key. The result is
// len(plaintext) + AuthBytes long.
func Seal(plaintext, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, additional), nil
}

// Open reverses Seal. It returns ErrDecryptFailed if the ciphertext does not
// authenticate under the nonce and key.
func Open(ciphertext, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce[:], ciphertext, additional)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// EncryptConnectToken serializes t into its zero-padded plaintext form and
// seals it. The ciphertext is exactly ConnectTokenBytes long.
func EncryptConnectToken(t *ConnectToken, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) ([]byte, error) {
	plain, err := t.marshal()
	if err != nil {
		return nil, err
	}
	return Seal(plain, additional, nonce, key)
}

// DecryptConnectToken opens a ConnectTokenBytes ciphertext and deserializes
// the token.
func DecryptConnectToken(ciphertext, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) (*ConnectToken, error) {
	if len(ciphertext) != nsdef.ConnectTokenBytes {
		return nil, fmt.Errorf("token: connect token ciphertext is %d bytes, want %d", len(ciphertext), nsdef.ConnectTokenBytes)
	}
	plain, err := Open(ciphertext, additional, nonce, key)
	if err != nil {
		return nil, err
	}
	var t ConnectToken
	if err := t.unmarshal(plain); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncryptChallengeToken serializes t into its zero-padded plaintext form and
// seals it. The ciphertext is exactly ChallengeTokenBytes long.
func EncryptChallengeToken(t *ChallengeToken, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) ([]byte, error) {
	plain, err := t.marshal()
	if err != nil {
		return nil, err
	}
	return Seal(plain, additional, nonce, key)
}

// DecryptChallengeToken opens a ChallengeTokenBytes ciphertext and
// deserializes the token.
func DecryptChallengeToken(ciphertext, additional []byte, nonce *nsdef.Nonce, key *nsdef.Key) (*ChallengeToken, error) {
	if len(ciphertext) != nsdef.ChallengeTokenBytes {
		return nil, fmt.Errorf("token: challenge token ciphertext is %d bytes, want %d", len(ciphertext), nsdef.ChallengeTokenBytes)
	}
	plain, err := Open(ciphertext, additional, nonce, key)
	if err != nil {
		return nil, err
	}
	var t ChallengeToken
	if err := t.unmarshal(plain); err != nil {
		return nil, err
	}
	return &t, nil
}
