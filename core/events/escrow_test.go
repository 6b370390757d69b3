package events

import (
	"math/big"
	"sort"
	"strings"
	"testing"

	"escrowd/crypto"
)

func attributeKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestEscrowCreatedAttributes(t *testing.T) {
	var id [32]byte
	id[0] = 0xAB
	var maker [20]byte
	maker[0] = 0x01

	evt := EscrowCreated{
		ID:        id,
		Maker:     maker,
		Asset:     "WETH",
		Amount:    big.NewInt(12345),
		TimeLock:  1_700_003_600,
		CreatedAt: 1_700_000_000,
	}.Event()

	if evt.Type != TypeEscrowCreated {
		t.Fatalf("type = %q", evt.Type)
	}
	if evt.Sequence != 0 {
		t.Fatalf("unsequenced event carries sequence %d", evt.Sequence)
	}
	want := []string{"amount", "asset", "createdAt", "id", "maker", "timeLock"}
	if got := attributeKeys(evt.Attributes); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("attribute keys %v, want %v", got, want)
	}
	if got := evt.Attributes["id"]; got != "ab"+strings.Repeat("00", 31) {
		t.Fatalf("id attribute %q", got)
	}
	if got := evt.Attributes["maker"]; got != crypto.Address(maker).String() {
		t.Fatalf("maker attribute %q", got)
	}
	if evt.Attributes["amount"] != "12345" {
		t.Fatalf("amount attribute %q", evt.Attributes["amount"])
	}
	if evt.Attributes["timeLock"] != "1700003600" || evt.Attributes["createdAt"] != "1700000000" {
		t.Fatalf("time attributes %q %q", evt.Attributes["timeLock"], evt.Attributes["createdAt"])
	}
}

func TestEscrowCreatedNilAmount(t *testing.T) {
	evt := EscrowCreated{Asset: "WETH"}.Event()
	if evt.Attributes["amount"] != "0" {
		t.Fatalf("nil amount rendered as %q", evt.Attributes["amount"])
	}
}

func TestEscrowLockedAttributes(t *testing.T) {
	var id [32]byte
	id[0] = 0x11
	var resolver [20]byte
	resolver[0] = 0x02

	evt := EscrowLocked{ID: id, Resolver: resolver}.Event()
	if evt.Type != TypeEscrowLocked {
		t.Fatalf("type = %q", evt.Type)
	}
	want := []string{"id", "resolver"}
	if got := attributeKeys(evt.Attributes); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("attribute keys %v, want %v", got, want)
	}
	if got := evt.Attributes["resolver"]; got != crypto.Address(resolver).String() {
		t.Fatalf("resolver attribute %q", got)
	}
}

func TestEscrowCompletedPublishesSecret(t *testing.T) {
	var id [32]byte
	var resolver [20]byte

	evt := EscrowCompleted{ID: id, Resolver: resolver, Secret: []byte{0xDE, 0xAD}}.Event()
	if evt.Type != TypeEscrowCompleted {
		t.Fatalf("type = %q", evt.Type)
	}
	if evt.Attributes["secret"] != "dead" {
		t.Fatalf("secret attribute %q", evt.Attributes["secret"])
	}

	empty := EscrowCompleted{ID: id, Resolver: resolver, Secret: []byte{}}.Event()
	if empty.Attributes["secret"] != "" {
		t.Fatalf("empty secret rendered as %q", empty.Attributes["secret"])
	}
}

func TestEscrowRefundedAttributes(t *testing.T) {
	var id [32]byte
	id[0] = 0x22
	var maker [20]byte
	maker[0] = 0x03

	evt := EscrowRefunded{ID: id, Maker: maker}.Event()
	if evt.Type != TypeEscrowRefunded {
		t.Fatalf("type = %q", evt.Type)
	}
	want := []string{"id", "maker"}
	if got := attributeKeys(evt.Attributes); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("attribute keys %v, want %v", got, want)
	}
	if got := evt.Attributes["maker"]; got != crypto.Address(maker).String() {
		t.Fatalf("maker attribute %q", got)
	}
}
