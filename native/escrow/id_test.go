package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"testing"
)

func TestHashSecretKnownVectors(t *testing.T) {
	cases := []struct {
		name   string
		secret []byte
		want   string
	}{
		{"empty", []byte{}, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", []byte("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HashSecret(tc.secret)
			if hex.EncodeToString(got[:]) != tc.want {
				t.Fatalf("HashSecret(%q) = %x, want %s", tc.secret, got, tc.want)
			}
		})
	}
}

func TestDeriveIDLayout(t *testing.T) {
	amount := big.NewInt(123456789)
	id := deriveID(1_700_000_000, 7, 42, amount)

	buf := make([]byte, 36)
	binary.BigEndian.PutUint64(buf[0:8], 1_700_000_000)
	binary.BigEndian.PutUint32(buf[8:12], 7)
	binary.BigEndian.PutUint64(buf[12:20], 42)
	amount.FillBytes(buf[20:36])
	want := sha256.Sum256(buf)

	if id != want {
		t.Fatalf("deriveID = %x, want %x", id, want)
	}
}

func TestDeriveIDFieldSensitivity(t *testing.T) {
	base := deriveID(1_700_000_000, 7, 42, big.NewInt(100))
	variants := [][32]byte{
		deriveID(1_700_000_001, 7, 42, big.NewInt(100)),
		deriveID(1_700_000_000, 8, 42, big.NewInt(100)),
		deriveID(1_700_000_000, 7, 43, big.NewInt(100)),
		deriveID(1_700_000_000, 7, 42, big.NewInt(101)),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base id", i)
		}
	}
	if again := deriveID(1_700_000_000, 7, 42, big.NewInt(100)); again != base {
		t.Fatalf("derivation not deterministic")
	}
}

func TestDeriveIDWideAmount(t *testing.T) {
	// i128 max positive value still fits the 16-byte window.
	wide := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	id := deriveID(1, 1, 1, wide)

	buf := make([]byte, 36)
	binary.BigEndian.PutUint64(buf[0:8], 1)
	binary.BigEndian.PutUint32(buf[8:12], 1)
	binary.BigEndian.PutUint64(buf[12:20], 1)
	wide.FillBytes(buf[20:36])
	want := sha256.Sum256(buf)

	if id != want {
		t.Fatalf("deriveID = %x, want %x", id, want)
	}
}
