// Package encryption seals export streams before they reach an archive and
// opens them again on import. The production sealer builds on filippo.io/age.
package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"worklog-go/internal/config"
	"worklog-go/internal/wl"
)

// AgeEncryptor seals export streams to a single X25519 recipient. Sealing
// needs only the recipient file, which sits on disk in the clear so an export
// never prompts for anything; the identity file is itself an age stream
// locked by the user's passphrase and comes into play on import alone.
type AgeEncryptor struct {
	recipientPath string
	identityPath  string
}

// NewAgeEncryptor creates an encryptor over the configured key file paths.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		recipientPath: cfg.PublicKeyPath,
		identityPath:  cfg.PrivateKeyPath,
	}
}

// Setup generates a fresh X25519 pair and writes both files, replacing any
// previous pair. Exports sealed to the old recipient stay readable only
// while the old identity file is kept around, so callers confirm first.
func (e *AgeEncryptor) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	if err := writeKeyFile(e.recipientPath, []byte(identity.Recipient().String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing recipient file: %w", err)
	}
	locked, err := lockIdentity(identity, passphrase)
	if err != nil {
		return err
	}
	if err := writeKeyFile(e.identityPath, locked, 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// Encrypt seals the export stream r into w for the stored recipient.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.recipient()
	if err != nil {
		return err
	}
	sealed, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("sealing export stream: %w", err)
	}
	if _, err := io.Copy(sealed, r); err != nil {
		return fmt.Errorf("sealing export stream: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return fmt.Errorf("finalizing export stream: %w", err)
	}
	return nil
}

// Unlock opens the identity file with the passphrase and returns a context
// that can decrypt streams sealed by this encryptor.
func (e *AgeEncryptor) Unlock(passphrase string) (wl.DecryptionContext, error) {
	locked, err := os.ReadFile(e.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase identity: %w", err)
	}
	opened, err := age.Decrypt(bytes.NewReader(locked), scrypt)
	if err != nil {
		return nil, fmt.Errorf("unlocking identity: %w", err)
	}
	raw, err := io.ReadAll(opened)
	if err != nil {
		return nil, fmt.Errorf("unlocking identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return &AgeDecryptionContext{identity: identity}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.recipientPath, e.identityPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// recipient reads and parses the stored recipient. The file holds exactly
// one bech32 recipient line.
func (e *AgeEncryptor) recipient() (*age.X25519Recipient, error) {
	data, err := os.ReadFile(e.recipientPath)
	if err != nil {
		return nil, fmt.Errorf("reading recipient file: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing recipient: %w", err)
	}
	return recipient, nil
}

// lockIdentity seals the identity under the passphrase, returning the bytes
// of a complete age stream.
func lockIdentity(identity *age.X25519Identity, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase recipient: %w", err)
	}
	var buf bytes.Buffer
	sealed, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("locking identity: %w", err)
	}
	if _, err := io.WriteString(sealed, identity.String()+"\n"); err != nil {
		return nil, fmt.Errorf("locking identity: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return nil, fmt.Errorf("locking identity: %w", err)
	}
	return buf.Bytes(), nil
}

// writeKeyFile writes content at path with perm, creating parent directories
// private to the user.
func writeKeyFile(path string, content []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

// AgeDecryptionContext holds an unlocked identity for the lifetime of one
// import.
type AgeDecryptionContext struct {
	identity *age.X25519Identity
}

// Decrypt opens the sealed stream r and writes the plaintext to w.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	opened, err := age.Decrypt(r, c.identity)
	if err != nil {
		return fmt.Errorf("opening sealed stream: %w", err)
	}
	if _, err := io.Copy(w, opened); err != nil {
		return fmt.Errorf("opening sealed stream: %w", err)
	}
	return nil
}

var (
	_ wl.Encryptor         = (*AgeEncryptor)(nil)
	_ wl.DecryptionContext = (*AgeDecryptionContext)(nil)
)
