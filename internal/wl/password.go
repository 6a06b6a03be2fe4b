package wl

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for profile passwords. Changing them only affects newly
// hashed passwords: verification re-derives with the stored salt.
const (
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	saltBytes = 16
	keyBytes  = 32
)

// HashPassword derives a fresh salt and scrypt hash for password.
func HashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generating salt: %w", err)
	}
	hash, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing password: %w", err)
	}
	return salt, hash, nil
}

// VerifyPassword reports whether password matches the stored salt and hash.
// The comparison is constant time.
func VerifyPassword(password string, salt, hash []byte) bool {
	if len(salt) == 0 || len(hash) == 0 {
		return false
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyBytes)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
