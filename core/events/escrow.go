package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
	"escrowd/crypto"
)

const (
	TypeEscrowCreated   = "escrow.created"
	TypeEscrowLocked    = "escrow.locked"
	TypeEscrowCompleted = "escrow.completed"
	TypeEscrowRefunded  = "escrow.refunded"
)

// EscrowCreated is emitted when a new escrow record is persisted.
type EscrowCreated struct {
	ID        [32]byte
	Maker     [20]byte
	Asset     string
	Amount    *big.Int
	TimeLock  int64
	CreatedAt int64
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCreated,
		Attributes: map[string]string{
			"id":        hex.EncodeToString(e.ID[:]),
			"maker":     crypto.Address(e.Maker).String(),
			"asset":     e.Asset,
			"amount":    formatAmount(e.Amount),
			"timeLock":  intToString(e.TimeLock),
			"createdAt": intToString(e.CreatedAt),
		},
	}
}

// EscrowLocked is emitted when a resolver locks a pending escrow.
type EscrowLocked struct {
	ID       [32]byte
	Resolver [20]byte
}

func (EscrowLocked) EventType() string { return TypeEscrowLocked }

func (e EscrowLocked) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowLocked,
		Attributes: map[string]string{
			"id":       hex.EncodeToString(e.ID[:]),
			"resolver": crypto.Address(e.Resolver).String(),
		},
	}
}

// EscrowCompleted is emitted when a resolver reveals the preimage. The secret
// is published so the counterpart chain can be settled with it.
type EscrowCompleted struct {
	ID       [32]byte
	Resolver [20]byte
	Secret   []byte
}

func (EscrowCompleted) EventType() string { return TypeEscrowCompleted }

func (e EscrowCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCompleted,
		Attributes: map[string]string{
			"id":       hex.EncodeToString(e.ID[:]),
			"resolver": crypto.Address(e.Resolver).String(),
			"secret":   hex.EncodeToString(e.Secret),
		},
	}
}

// EscrowRefunded is emitted when an expired escrow is returned to its maker.
type EscrowRefunded struct {
	ID    [32]byte
	Maker [20]byte
}

func (EscrowRefunded) EventType() string { return TypeEscrowRefunded }

func (e EscrowRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowRefunded,
		Attributes: map[string]string{
			"id":    hex.EncodeToString(e.ID[:]),
			"maker": crypto.Address(e.Maker).String(),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}
