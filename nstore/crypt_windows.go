//go:build windows

package nstore

import (
	"github.com/billgraziano/dpapi"
)

// encryptValue seals plaintext with Windows DPAPI under the current user.
func encryptValue(plaintext []byte) ([]byte, error) {
	return dpapi.EncryptBytes(plaintext)
}

// decryptValue reverses encryptValue.
func decryptValue(data []byte) ([]byte, error) {
	return dpapi.DecryptBytes(data)
}
