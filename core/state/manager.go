package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	escrowRecordPrefix = []byte("escrow/records/")
	escrowCounterKey   = []byte("escrow/counter")
	escrowEventPrefix  = []byte("escrow/events/log/")
	escrowEventSeqKey  = []byte("escrow/events/seq")
	escrowVaultSeed    = []byte("escrow/vault/")
)

// Manager persists escrow records and their event log in a key-value backend.
// Record writes are atomic per call; callers serialize mutations of the same
// identifier and creations against each other (see core.Node).
type Manager struct {
	db storage.Database

	// eventMu serializes sequence allocation for the event log. Record
	// mutations for distinct identifiers may append concurrently.
	eventMu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// storedEscrow is the durable form of an escrow record. Timestamps are
// bit-cast to uint64 because the codec has no signed integers; the
// two's-complement round trip is lossless.
type storedEscrow struct {
	ID        [32]byte
	Maker     [20]byte
	Amount    *big.Int
	Asset     string
	HashLock  [32]byte
	TimeLock  uint64
	Status    uint8
	Secret    []byte
	CreatedAt uint64
}

type storedEventAttr struct {
	Key   string
	Value string
}

type storedEvent struct {
	Sequence   uint64
	Type       string
	Attributes []storedEventAttr
}

func escrowRecordKey(id [32]byte) []byte {
	buf := make([]byte, len(escrowRecordPrefix)+len(id))
	copy(buf, escrowRecordPrefix)
	copy(buf[len(escrowRecordPrefix):], id[:])
	return buf
}

func escrowEventKey(sequence uint64) []byte {
	buf := make([]byte, len(escrowEventPrefix)+8)
	copy(buf, escrowEventPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowEventPrefix):], sequence)
	return buf
}

func encodeEscrow(esc *escrow.Escrow) ([]byte, error) {
	if esc == nil {
		return nil, fmt.Errorf("escrow state: nil record")
	}
	amount := esc.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	stored := storedEscrow{
		ID:        esc.ID,
		Maker:     esc.Maker,
		Amount:    amount,
		Asset:     esc.Asset,
		HashLock:  esc.HashLock,
		TimeLock:  uint64(esc.TimeLock),
		Status:    uint8(esc.Status),
		Secret:    esc.Secret,
		CreatedAt: uint64(esc.CreatedAt),
	}
	return rlp.EncodeToBytes(&stored)
}

func decodeEscrow(data []byte) (*escrow.Escrow, error) {
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("escrow state: decode record: %w", err)
	}
	esc := &escrow.Escrow{
		ID:        stored.ID,
		Maker:     stored.Maker,
		Amount:    stored.Amount,
		Asset:     stored.Asset,
		HashLock:  stored.HashLock,
		TimeLock:  int64(stored.TimeLock),
		Status:    escrow.Status(stored.Status),
		Secret:    stored.Secret,
		CreatedAt: int64(stored.CreatedAt),
	}
	if esc.Amount == nil {
		esc.Amount = big.NewInt(0)
	}
	// The codec cannot distinguish an absent secret from an empty one, so the
	// status decides: only completed records carry a secret.
	if esc.Status != escrow.StatusCompleted {
		esc.Secret = nil
	} else if esc.Secret == nil {
		esc.Secret = []byte{}
	}
	return esc, nil
}

func (m *Manager) readUint64(key []byte) (uint64, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var value uint64
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return 0, fmt.Errorf("escrow state: decode counter %q: %w", key, err)
	}
	return value, nil
}

// EscrowGet loads the record stored under the identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	data, err := m.db.Get(escrowRecordKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	esc, err := decodeEscrow(data)
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowPut overwrites an existing record.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	encoded, err := encodeEscrow(esc)
	if err != nil {
		return err
	}
	return m.db.Put(escrowRecordKey(esc.ID), encoded)
}

// EscrowCreate commits a new record together with the updated creation
// counter in a single atomic batch.
func (m *Manager) EscrowCreate(esc *escrow.Escrow, counter uint64) error {
	encoded, err := encodeEscrow(esc)
	if err != nil {
		return err
	}
	counterBytes, err := rlp.EncodeToBytes(counter)
	if err != nil {
		return err
	}
	batch := m.db.NewBatch()
	batch.Put(escrowRecordKey(esc.ID), encoded)
	batch.Put(escrowCounterKey, counterBytes)
	return batch.Write()
}

// EscrowCounter returns the number of records ever created, zero on a fresh
// database.
func (m *Manager) EscrowCounter() (uint64, error) {
	return m.readUint64(escrowCounterKey)
}

// EscrowIterate visits every record in ascending identifier order. Returning
// false from fn stops the scan.
func (m *Manager) EscrowIterate(fn func(*escrow.Escrow) bool) error {
	var decodeErr error
	err := m.db.Iterate(escrowRecordPrefix, func(key, value []byte) bool {
		esc, err := decodeEscrow(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(esc)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// EscrowVaultAddress derives the deterministic vault account that holds the
// deposits of the given asset.
func (m *Manager) EscrowVaultAddress(asset string) ([20]byte, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return [20]byte{}, err
	}
	sum := ethcrypto.Keccak256(escrowVaultSeed, []byte(normalized))
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr, nil
}

// EscrowWipe removes every record and event and resets both counters in one
// atomic batch.
func (m *Manager) EscrowWipe() error {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	batch := m.db.NewBatch()
	for _, prefix := range [][]byte{escrowRecordPrefix, escrowEventPrefix} {
		err := m.db.Iterate(prefix, func(key, value []byte) bool {
			batch.Delete(key)
			return true
		})
		if err != nil {
			return err
		}
	}
	batch.Delete(escrowCounterKey)
	batch.Delete(escrowEventSeqKey)
	return batch.Write()
}

// AppendEscrowEvent assigns the next sequence number to the event and commits
// it together with the sequence cursor. The sequenced copy is returned.
func (m *Manager) AppendEscrowEvent(evt *types.Event) (*types.Event, error) {
	if evt == nil {
		return nil, fmt.Errorf("escrow state: nil event")
	}
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	last, err := m.readUint64(escrowEventSeqKey)
	if err != nil {
		return nil, err
	}
	next := last + 1

	attrs := make([]storedEventAttr, 0, len(evt.Attributes))
	for key, value := range evt.Attributes {
		attrs = append(attrs, storedEventAttr{Key: key, Value: value})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })

	encoded, err := rlp.EncodeToBytes(&storedEvent{Sequence: next, Type: evt.Type, Attributes: attrs})
	if err != nil {
		return nil, err
	}
	seqBytes, err := rlp.EncodeToBytes(next)
	if err != nil {
		return nil, err
	}
	batch := m.db.NewBatch()
	batch.Put(escrowEventKey(next), encoded)
	batch.Put(escrowEventSeqKey, seqBytes)
	if err := batch.Write(); err != nil {
		return nil, err
	}

	sequenced := evt.Copy()
	sequenced.Sequence = next
	return sequenced, nil
}

// EscrowEvents returns up to limit events with sequence numbers strictly
// greater than after, in ascending order.
func (m *Manager) EscrowEvents(after uint64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]types.Event, 0, limit)
	var decodeErr error
	err := m.db.Iterate(escrowEventPrefix, func(key, value []byte) bool {
		if len(key) < len(escrowEventPrefix)+8 {
			return true
		}
		sequence := binary.BigEndian.Uint64(key[len(escrowEventPrefix):])
		if sequence <= after {
			return true
		}
		stored := new(storedEvent)
		if err := rlp.DecodeBytes(value, stored); err != nil {
			decodeErr = fmt.Errorf("escrow state: decode event %d: %w", sequence, err)
			return false
		}
		attrs := make(map[string]string, len(stored.Attributes))
		for _, attr := range stored.Attributes {
			attrs[attr.Key] = attr.Value
		}
		out = append(out, types.Event{Sequence: stored.Sequence, Type: stored.Type, Attributes: attrs})
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// EscrowEventSequence returns the sequence number of the latest event, zero
// when the log is empty.
func (m *Manager) EscrowEventSequence() (uint64, error) {
	return m.readUint64(escrowEventSeqKey)
}
