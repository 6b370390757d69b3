package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a hash-time-locked escrow.
type Status uint8

const (
	StatusUnspecified Status = iota
	StatusPending
	StatusLocked
	StatusCompleted
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLocked, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLocked:
		return "locked"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		return "unspecified"
	}
}

// Escrow captures one hash-time-locked agreement. Every field except Status
// and Secret is immutable once the record is created; Secret is nil until the
// escrow completes and then holds exactly the preimage the resolver supplied.
type Escrow struct {
	ID        [32]byte
	Maker     [20]byte
	Amount    *big.Int
	Asset     string
	HashLock  [32]byte
	TimeLock  int64
	Status    Status
	Secret    []byte
	CreatedAt int64
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Secret != nil {
		clone.Secret = append(make([]byte, 0, len(e.Secret)), e.Secret...)
	}
	return &clone
}

// Stats aggregates the registry counters. The four status counts always sum to
// Counter: every created record is in exactly one state and records are never
// deleted outside re-initialization.
type Stats struct {
	Counter   uint64
	Pending   uint64
	Locked    uint64
	Completed uint64
	Refunded  uint64
}

// maxAssetLength bounds asset symbols so registry keys stay small.
const maxAssetLength = 32

// NormalizeAsset trims and upper-cases an asset symbol. Assets are opaque
// identifiers here; the engine only requires them to be non-empty and short
// enough to embed in storage keys.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: empty asset symbol")
	}
	if len(trimmed) > maxAssetLength {
		return "", fmt.Errorf("escrow: asset symbol longer than %d bytes", maxAssetLength)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' && r != '-' && r != '_' {
			return "", fmt.Errorf("escrow: invalid asset symbol %q", symbol)
		}
	}
	return trimmed, nil
}
