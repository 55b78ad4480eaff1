package encryption

import (
	"bytes"
	"fmt"

	"propsync/internal/propsync"
)

// testHeader is prepended by TestSealer to make sealed output clearly
// different from plaintext while remaining deterministic and reversible.
var testHeader = []byte("PSENC\x00\x00\x00")

// TestKeyring hands out TestSealers. It requires no key material.
type TestKeyring struct {
	setupCalled bool
}

var _ propsync.Keyring = (*TestKeyring)(nil)

func NewTestKeyring() *TestKeyring {
	return &TestKeyring{}
}

func (k *TestKeyring) Setup(passphrase string) error {
	k.setupCalled = true
	return nil
}

func (k *TestKeyring) Unlock(passphrase string) (propsync.Sealer, error) {
	return TestSealer{}, nil
}

func (k *TestKeyring) IsConfigured() bool {
	return true
}

// TestSealer prepends and strips a fixed 8-byte header.
type TestSealer struct{}

var _ propsync.Sealer = TestSealer{}

func (TestSealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plaintext))
	out = append(out, testHeader...)
	return append(out, plaintext...), nil
}

func (TestSealer) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return bytes.Clone(sealed[len(testHeader):]), nil
}
