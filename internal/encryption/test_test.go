package encryption

import (
	"bytes"
	"strings"
	"testing"
)

func TestTestEncryptor_FramesAndUnframes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary with newlines", input: []byte{0x00, '\n', 0xff, '\n', 0x01}},
		{name: "large", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	e := NewTestEncryptor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var framed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &framed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(framed.Bytes(), []byte(testHeader)) {
				t.Error("framed stream does not start with the header line")
			}
			if bytes.Equal(framed.Bytes(), tt.input) {
				t.Error("framed stream is identical to the input")
			}

			ctx, err := e.Unlock("whatever")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var out bytes.Buffer
			if err := ctx.Decrypt(bytes.NewReader(framed.Bytes()), &out); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(out.Bytes(), tt.input) {
				t.Errorf("round trip returned %d bytes, want %d", out.Len(), len(tt.input))
			}
		})
	}
}

func TestTestEncryptor_NeedsNoSetup(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true without any setup")
	}
	if err := e.Setup("any-passphrase"); err != nil {
		t.Errorf("Setup() error = %v", err)
	}
}

func TestTestDecryptionContext_RejectsUnframedStreams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "wrong header line", input: "some-other-header\npayload"},
		{name: "truncated header", input: strings.TrimSuffix(testHeader, "\n")},
		{name: "empty stream", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := &TestDecryptionContext{}
			var out bytes.Buffer
			if err := ctx.Decrypt(strings.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() accepted a stream without the header")
			}
		})
	}
}
