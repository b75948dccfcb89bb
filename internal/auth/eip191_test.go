package auth

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMessage(t *testing.T) {
	h1 := HashMessage([]byte("spin"))
	h2 := HashMessage([]byte("spin"))
	if string(h1) != string(h2) {
		t.Fatal("HashMessage is not deterministic")
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
	if string(h1) == string(HashMessage([]byte("spim"))) {
		t.Fatal("different messages produced the same hash")
	}
}

func TestRecover_BothVConventions(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)
	msg := []byte(`{"action":"spin","nonce":"n-1"}`)

	sig, err := crypto.Sign(HashMessage(msg), privKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Recover(msg, sig) // V in {0,1}
	if err != nil || got != expected {
		t.Fatalf("V=0/1: got %s, %v; want %s", got.Hex(), err, expected.Hex())
	}

	sig[64] += 27
	got, err = RecoverHex(msg, "0x"+hex.EncodeToString(sig))
	if err != nil || got != expected {
		t.Fatalf("V=27/28: got %s, %v; want %s", got.Hex(), err, expected.Hex())
	}
}

func TestRecover_TamperedMessage(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)
	sig, _ := crypto.Sign(HashMessage([]byte("original")), privKey)

	wrong, err := Recover([]byte("tampered"), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrong == expected {
		t.Error("tampered message should not recover the original signer")
	}
}

func TestRecover_BadInput(t *testing.T) {
	if _, err := Recover([]byte("msg"), []byte("tooshort")); err == nil {
		t.Error("expected error for short signature")
	}
	if _, err := RecoverHex([]byte("msg"), "0xzz"); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestNormalizeIdentity(t *testing.T) {
	got, err := NormalizeIdentity(" 0xAbCdEf0123456789aBcDeF0123456789AbCdEf01 ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("got %q", got)
	}
	for _, bad := range []string{"", "0x123", "not-an-address", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		if _, err := NormalizeIdentity(bad); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("NormalizeIdentity(%q): expected ErrInvalidIdentity, got %v", bad, err)
		}
	}
}
