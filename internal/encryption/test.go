package encryption

import (
	"bufio"
	"fmt"
	"io"

	"worklog-go/internal/wl"
)

// testHeader marks a stream framed by the TestEncryptor. A single ASCII line
// keeps a mis-routed export easy to spot in a pager.
const testHeader = "wl-test-seal\n"

// TestEncryptor is the no-crypto stand-in for tests: it frames the stream
// with a recognizable header line instead of sealing it, so export plumbing
// can be exercised without key files or passphrases.
type TestEncryptor struct{}

// NewTestEncryptor creates a TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

// Setup is a no-op: the stand-in has no keys to generate.
func (e *TestEncryptor) Setup(passphrase string) error { return nil }

// Encrypt writes the header line followed by the stream unchanged.
func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.WriteString(w, testHeader); err != nil {
		return fmt.Errorf("framing stream: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("framing stream: %w", err)
	}
	return nil
}

// Unlock accepts any passphrase.
func (e *TestEncryptor) Unlock(passphrase string) (wl.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

// IsConfigured always reports true.
func (e *TestEncryptor) IsConfigured() bool { return true }

// TestDecryptionContext strips the header line written by TestEncryptor,
// rejecting streams that do not start with it.
type TestDecryptionContext struct{}

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	buffered := bufio.NewReader(r)
	line, err := buffered.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading stream header: %w", err)
	}
	if line != testHeader {
		return fmt.Errorf("stream does not carry the expected header")
	}
	if _, err := io.Copy(w, buffered); err != nil {
		return fmt.Errorf("unframing stream: %w", err)
	}
	return nil
}

var (
	_ wl.Encryptor         = (*TestEncryptor)(nil)
	_ wl.DecryptionContext = (*TestDecryptionContext)(nil)
)
