package wl

import (
	"bytes"
	"testing"
)

func TestHashPassword_ProducesDistinctSalts(t *testing.T) {
	t.Parallel()

	salt1, hash1, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	salt2, hash2, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	if bytes.Equal(salt1, salt2) {
		t.Error("two calls produced the same salt")
	}
	if bytes.Equal(hash1, hash2) {
		t.Error("two calls produced the same hash despite fresh salts")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	salt, hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		password string
		salt     []byte
		hash     []byte
		want     bool
	}{
		{name: "correct password", password: "secret", salt: salt, hash: hash, want: true},
		{name: "wrong password", password: "wrong", salt: salt, hash: hash, want: false},
		{name: "empty password", password: "", salt: salt, hash: hash, want: false},
		{name: "missing salt", password: "secret", salt: nil, hash: hash, want: false},
		{name: "missing hash", password: "secret", salt: salt, hash: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.password, tt.salt, tt.hash); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}
