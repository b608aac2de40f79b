package crypto

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func testKey() []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	sessionID := uuid.New()
	sender, err := NewEnvelope(testKey(), sessionID)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	receiver, err := NewEnvelope(testKey(), sessionID)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	header := []byte("fake-24-byte-header-prefix!!")
	payload := []byte("the quick brown fox jumps over the lazy dog")
	nonce := sender.NextNonce()

	wire, err := sender.Encapsulate(header, payload, nonce)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	got, err := receiver.Decapsulate(header, wire, nonce)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestDecapsulateRejectsTamperedCiphertext(t *testing.T) {
	sessionID := uuid.New()
	e, _ := NewEnvelope(testKey(), sessionID)
	header := []byte("header")
	nonce := e.NextNonce()

	wire, err := e.Encapsulate(header, []byte("secret payload"), nonce)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	wire[0] ^= 0x01

	if _, err := e.Decapsulate(header, wire, nonce); err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDecapsulateRejectsTamperedHeader(t *testing.T) {
	sessionID := uuid.New()
	e, _ := NewEnvelope(testKey(), sessionID)
	header := []byte("header")
	nonce := e.NextNonce()

	wire, err := e.Encapsulate(header, []byte("secret payload"), nonce)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	tamperedHeader := []byte("heaDer")
	if _, err := e.Decapsulate(tamperedHeader, wire, nonce); err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestNewEnvelopeRejectsBadKeySize(t *testing.T) {
	if _, err := NewEnvelope([]byte("short"), uuid.New()); err != ErrKeySize {
		t.Fatalf("err = %v, want ErrKeySize", err)
	}
}

func TestNextNonceMonotonic(t *testing.T) {
	e, _ := NewEnvelope(testKey(), uuid.New())
	a := e.NextNonce()
	b := e.NextNonce()
	if b != a+1 {
		t.Fatalf("nonces not monotonic: %d then %d", a, b)
	}
}

func TestTransferBindingDeterministic(t *testing.T) {
	a := TransferBinding(1000, 1<<20, 1, "a.bin")
	b := TransferBinding(1000, 1<<20, 1, "a.bin")
	if a != b {
		t.Fatalf("same parameters produced different bindings: %v vs %v", a, b)
	}
	if TransferBinding(1000, 1<<20, 1, "b.bin") == a {
		t.Fatalf("different filenames produced the same binding")
	}
	if TransferBinding(2000, 1<<20, 1, "a.bin") == a {
		t.Fatalf("different file sizes produced the same binding")
	}
}

func TestGenerateKeyCharsetAndLength(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(key))
	}
	for _, r := range key {
		if !bytes.ContainsRune([]byte(alphanumeric), r) {
			t.Fatalf("key contains non-alphanumeric rune %q", r)
		}
	}
}
