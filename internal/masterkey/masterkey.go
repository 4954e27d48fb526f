// Package masterkey supplies the daemon's single 256-bit at-rest
// encryption key from a platform-provided persistent secret slot.
//
// The key is generated once, on first acquire, and stored under a
// fixed service/account pair; every later acquire on the same machine
// retrieves the same bytes. The key is never written to the daemon's
// own data directory in any form.
package masterkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/99designs/keyring"
)

const (
	serviceName = "tairseach.auth-broker"
	accountName = "master-key"

	// Size is the length in bytes of the master key (256 bits).
	Size = 32
)

// ErrUnavailable is returned when the platform secret store cannot be
// opened. Callers must treat this as fatal: proceeding to decrypt
// without a master key is not safe.
var ErrUnavailable = errors.New("masterkey: platform secret store unavailable")

// Key holds the 32-byte master key in process memory. Callers must
// call Zero once the key is no longer needed.
type Key struct {
	bytes [Size]byte
}

// Bytes returns the raw key material. The returned slice aliases the
// Key's internal storage and must not outlive the Key.
func (k *Key) Bytes() []byte {
	return k.bytes[:]
}

// Zero overwrites the key's backing memory with zeros.
func (k *Key) Zero() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// Provider acquires the master key from the platform secret store.
type Provider struct {
	ring keyring.Keyring
}

// Open opens the platform secret store. A non-nil error here is fatal
// to the daemon's startup: there is no plaintext fallback.
func Open() (*Provider, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Provider{ring: ring}, nil
}

// OpenWithKeyring wraps an already-opened keyring.Keyring, for tests
// that substitute an in-memory backend (keyring.NewArrayKeyring).
func OpenWithKeyring(ring keyring.Keyring) *Provider {
	return &Provider{ring: ring}
}

// Acquire returns the daemon's master key, generating and persisting
// one on first use.
func (p *Provider) Acquire() (*Key, error) {
	item, err := p.ring.Get(accountName)
	switch {
	case err == nil:
		if len(item.Data) != Size {
			return nil, fmt.Errorf("masterkey: stored key has wrong length: got %d, want %d", len(item.Data), Size)
		}
		k := &Key{}
		copy(k.bytes[:], item.Data)
		return k, nil

	case errors.Is(err, keyring.ErrKeyNotFound):
		k := &Key{}
		if _, rerr := io.ReadFull(rand.Reader, k.bytes[:]); rerr != nil {
			return nil, fmt.Errorf("masterkey: generate key: %w", rerr)
		}
		if serr := p.ring.Set(keyring.Item{
			Key:  accountName,
			Data: append([]byte(nil), k.bytes[:]...),
		}); serr != nil {
			k.Zero()
			return nil, fmt.Errorf("masterkey: persist key: %w", serr)
		}
		return k, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
