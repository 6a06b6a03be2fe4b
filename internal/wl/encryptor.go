package wl

import "io"

// Encryptor encrypts export streams before they reach an archive.
// Encryption needs no secret at hand; decryption first unlocks the identity
// with the user's passphrase.
type Encryptor interface {
	// Setup generates and stores the key material, protecting the secret
	// part with the passphrase.
	Setup(passphrase string) error

	// IsConfigured reports whether key material is in place.
	IsConfigured() bool

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the stored identity with the passphrase and returns a
	// context able to decrypt archives.
	Unlock(passphrase string) (DecryptionContext, error)
}

// DecryptionContext holds an unlocked identity.
type DecryptionContext interface {
	// Decrypt reads ciphertext from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
