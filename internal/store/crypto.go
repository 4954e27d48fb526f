package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	ivSize  = 12
	tagSize = 16
)

var errCiphertextTooShort = errors.New("store: ciphertext shorter than authentication tag")

// sealRecord encrypts plaintext with AES-256-GCM under key, returning the
// IV, ciphertext, and authentication tag as three separate byte slices so
// they can be base64-encoded into distinct on-disk JSON fields.
//
// cipher.AEAD.Seal returns ciphertext with the tag appended; the tag is
// split off here rather than kept concatenated, to match the on-disk
// {iv, tag, data} layout.
func sealRecord(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("store: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	ciphertext = sealed[:split]
	tag = sealed[split:]
	return iv, ciphertext, tag, nil
}

// openRecord reverses sealRecord: it reassembles ciphertext||tag and opens
// it with AES-256-GCM under key and iv.
func openRecord(key, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != tagSize {
		return nil, errCiphertextTooShort
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: new gcm: %w", err)
	}
	return gcm, nil
}
