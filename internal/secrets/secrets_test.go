package secrets

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plaintext := []byte("refresh-token-value")
	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("plaintext visible in sealed value")
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open = %q", opened)
	}
}

func TestSealIsRandomized(t *testing.T) {
	box, err := NewBox(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	a, _ := box.Seal([]byte("same"))
	b, _ := box.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	box1, _ := NewBox(strings.Repeat("0f", 32))
	box2, _ := NewBox(strings.Repeat("1e", 32))
	sealed, err := box1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box2.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, _ := NewBox(strings.Repeat("0f", 32))
	sealed, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := box.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpenRejectsTruncatedValue(t *testing.T) {
	box, _ := NewBox(strings.Repeat("0f", 32))
	if _, err := box.Open([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNewBoxKeyValidation(t *testing.T) {
	if _, err := NewBox("not-hex"); err == nil {
		t.Error("accepted non-hex key")
	}
	if _, err := NewBox("0f0f"); err == nil {
		t.Error("accepted short key")
	}
}
