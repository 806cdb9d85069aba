package hapcrypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	nonce := PairSetupNonce("PS-Msg05")
	plaintext := []byte("pairing payload")

	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	decrypted, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	nonce := PairSetupNonce("PS-Msg06")

	ciphertext, err := Seal(key, nonce, []byte("data"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := Open(key, nonce, ciphertext); err != ErrAuthentication {
		t.Fatalf("Open(tampered) = %v, want ErrAuthentication", err)
	}
}

func TestPairSetupNonce(t *testing.T) {
	n := PairSetupNonce("PS-Msg05")
	if len(n) != 12 {
		t.Fatalf("nonce length = %d, want 12", len(n))
	}
	want := []byte{'P', 'S', '-', 'M', 's', 'g', '0', '5', 0, 0, 0, 0}
	if !bytes.Equal(n, want) {
		t.Fatalf("nonce = %x, want %x", n, want)
	}
}
