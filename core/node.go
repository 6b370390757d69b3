package core

import (
	"math/big"
	"sync"

	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

// Node is the central controller, wiring the escrow engine to persistent
// state and fanning its events out to subscribers. Mutations of the same
// escrow are serialized on a striped lock keyed by the identifier; mutations
// of distinct escrows proceed concurrently.
type Node struct {
	db     storage.Database
	state  *state.Manager
	engine *escrow.Engine

	// createMu linearizes the counter read inside Create and lets Stats
	// observe an exact snapshot.
	createMu sync.Mutex
	recordMu [256]sync.Mutex
	// wipeMu lets Initialize exclude every other operation.
	wipeMu sync.RWMutex

	eventMu     sync.Mutex
	eventSubs   map[uint64]chan types.Event
	eventNextID uint64
}

// NewNode creates a node backed by the provided database.
func NewNode(db storage.Database) (*Node, error) {
	n := &Node{
		db:        db,
		state:     state.NewManager(db),
		eventSubs: make(map[uint64]chan types.Event),
	}
	engine := escrow.NewEngine()
	engine.SetState(n.state)
	engine.SetEmitter(nodeEventEmitter{node: n})
	n.engine = engine
	return n, nil
}

// SetLedger forwards the asset ledger to the engine.
func (n *Node) SetLedger(ledger escrow.AssetLedger) { n.engine.SetLedger(ledger) }

// SetAuthorizer forwards the identity verifier to the engine.
func (n *Node) SetAuthorizer(auth escrow.Authorizer) { n.engine.SetAuthorizer(auth) }

// SetNowFunc forwards the time source to the engine. Primarily for tests.
func (n *Node) SetNowFunc(now func() int64) { n.engine.SetNowFunc(now) }

// SetSequenceFunc forwards the identifier sequence source to the engine.
func (n *Node) SetSequenceFunc(seq func() uint64) { n.engine.SetSequenceFunc(seq) }

func (n *Node) recordLock(id [32]byte) *sync.Mutex {
	return &n.recordMu[id[0]]
}

// EscrowInitialize resets the registry, removing every record and event.
func (n *Node) EscrowInitialize() error {
	n.wipeMu.Lock()
	defer n.wipeMu.Unlock()
	return n.engine.Initialize()
}

// EscrowCreate validates and persists a new escrow, returning its identifier.
func (n *Node) EscrowCreate(caller, maker [20]byte, amount *big.Int, asset string, hashLock [32]byte, timeLock int64) ([32]byte, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.engine.Create(caller, maker, amount, asset, hashLock, timeLock)
}

// EscrowLock transitions a pending escrow to locked on behalf of the resolver.
func (n *Node) EscrowLock(caller [20]byte, id [32]byte, resolver [20]byte) error {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	mu := n.recordLock(id)
	mu.Lock()
	defer mu.Unlock()
	return n.engine.Lock(caller, id, resolver)
}

// EscrowComplete releases a locked escrow to the resolver for the preimage.
func (n *Node) EscrowComplete(caller [20]byte, id [32]byte, secret []byte, resolver [20]byte) error {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	mu := n.recordLock(id)
	mu.Lock()
	defer mu.Unlock()
	return n.engine.Complete(caller, id, secret, resolver)
}

// EscrowRefund returns an expired escrow to its maker.
func (n *Node) EscrowRefund(caller [20]byte, id [32]byte) error {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	mu := n.recordLock(id)
	mu.Lock()
	defer mu.Unlock()
	return n.engine.Refund(caller, id)
}

// EscrowGet returns a copy of the escrow record.
func (n *Node) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	return n.engine.Get(id)
}

// EscrowListByMaker returns every escrow deposited by the maker.
func (n *Node) EscrowListByMaker(maker [20]byte) ([]*escrow.Escrow, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	return n.engine.ListByMaker(maker)
}

// EscrowList pages through all escrows in identifier order.
func (n *Node) EscrowList(cursor [32]byte, limit int) ([]*escrow.Escrow, [32]byte, bool, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	return n.engine.List(cursor, limit)
}

// EscrowStats reports per-status counts and the creation counter. Serialized
// against Create so the counts always sum to the counter.
func (n *Node) EscrowStats() (escrow.Stats, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.engine.Stats()
}

// EscrowEvents returns up to limit persisted events with sequence numbers
// strictly greater than after.
func (n *Node) EscrowEvents(after uint64, limit int) ([]types.Event, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	return n.state.EscrowEvents(after, limit)
}

// EscrowEventSequence returns the sequence number of the latest event.
func (n *Node) EscrowEventSequence() (uint64, error) {
	n.wipeMu.RLock()
	defer n.wipeMu.RUnlock()
	return n.state.EscrowEventSequence()
}

// nodeEventEmitter persists engine events into the sequenced log and fans
// them out to live subscribers.
type nodeEventEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (e nodeEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.publishEvent(event)
}
