package masterkey_test

import (
	"bytes"
	"testing"

	"github.com/99designs/keyring"

	"github.com/geilt/tairseach/internal/masterkey"
)

func newTestProvider(t *testing.T) *masterkey.Provider {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	return masterkey.OpenWithKeyring(ring)
}

func TestAcquire_GeneratesOnFirstUse(t *testing.T) {
	p := newTestProvider(t)

	k, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer k.Zero()

	if len(k.Bytes()) != masterkey.Size {
		t.Fatalf("got %d bytes, want %d", len(k.Bytes()), masterkey.Size)
	}
}

func TestAcquire_StableAcrossCalls(t *testing.T) {
	p := newTestProvider(t)

	k1, err := p.Acquire()
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer k1.Zero()

	k2, err := p.Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer k2.Zero()

	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Fatal("Acquire returned different bytes across calls")
	}
}

func TestKey_Zero(t *testing.T) {
	p := newTestProvider(t)
	k, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	k.Zero()
	zero := make([]byte, masterkey.Size)
	if !bytes.Equal(k.Bytes(), zero) {
		t.Fatal("Zero did not clear key bytes")
	}
}
