package crypto

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, AddressLength)
	addr, err := NewAddress(raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, AddressPrefix+"1") {
		t.Fatalf("encoded address %q missing prefix", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: %x != %x", decoded, addr)
	}
}

func TestNewAddressRejectsBadLength(t *testing.T) {
	if _, err := NewAddress(make([]byte, 19)); err == nil {
		t.Fatalf("expected error for short address")
	}
	if _, err := NewAddress(make([]byte, 21)); err == nil {
		t.Fatalf("expected error for long address")
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	foreign, err := bech32.Encode("pay", conv)
	if err != nil {
		t.Fatalf("encode foreign address: %v", err)
	}
	if _, err := DecodeAddress(foreign); err == nil {
		t.Fatalf("expected prefix rejection for %q", foreign)
	}
}

func TestKeyAddressDeterminism(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	first := key.PubKey().Address()
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if got := restored.PubKey().Address(); got != first {
		t.Fatalf("address changed after round trip: %s != %s", got, first)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "node.json")
	if err := SaveToKeystore(path, key, "open sesame"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected decrypt failure with wrong passphrase")
	}
	loaded, err := LoadFromKeystore(path, "open sesame")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address() != key.PubKey().Address() {
		t.Fatalf("keystore returned different key")
	}
}

func TestKeystoreOverwriteReplacesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.keystore")
	first, err := GenerateToKeystore(path, "pw")
	if err != nil {
		t.Fatalf("generate keystore: %v", err)
	}
	second, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore(path, second, "pw"); err != nil {
		t.Fatalf("overwrite keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "pw")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address() == first.PubKey().Address() {
		t.Fatalf("keystore still holds the previous key")
	}
	if loaded.PubKey().Address() != second.PubKey().Address() {
		t.Fatalf("keystore returned different key")
	}
}
