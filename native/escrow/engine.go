package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"escrowd/core/events"
	"escrowd/observability/metrics"
)

var errNilState = errors.New("escrow engine: state not configured")

// engineState is the registry surface the engine depends on. Implementations
// must apply each call atomically: EscrowCreate commits the record and the
// counter together, and EscrowWipe removes every record and event while
// resetting the counter in one unit. EscrowIterate visits a consistent
// snapshot in ascending identifier order.
type engineState interface {
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	EscrowPut(esc *Escrow) error
	EscrowCreate(esc *Escrow, counter uint64) error
	EscrowCounter() (uint64, error)
	EscrowIterate(fn func(*Escrow) bool) error
	EscrowVaultAddress(asset string) ([20]byte, error)
	EscrowWipe() error
}

// Authorizer proves that the submitting caller controls a claimed identity.
// Implementations decide what "control" means (transport binding, signature
// recovery); the engine only consumes the verdict.
type Authorizer interface {
	Authorized(caller, identity [20]byte) bool
}

// callerAuthorizer accepts exactly the identity the transport authenticated.
type callerAuthorizer struct{}

func (callerAuthorizer) Authorized(caller, identity [20]byte) bool {
	return caller == identity
}

// AssetLedger moves escrowed value between accounts. A non-nil error aborts
// the surrounding transition before it is persisted.
type AssetLedger interface {
	Transfer(from, to [20]byte, amount *big.Int, asset string) error
}

// NoopLedger satisfies AssetLedger without moving anything. It is the default
// for deployments where settlement happens out of band.
type NoopLedger struct{}

func (NoopLedger) Transfer(from, to [20]byte, amount *big.Int, asset string) error { return nil }

// Engine applies the escrow state machine against the registry. It is not
// safe for concurrent use on the same identifier; callers serialize
// per-identifier mutations and creations (see core.Node).
type Engine struct {
	state      engineState
	emitter    events.Emitter
	authorizer Authorizer
	ledger     AssetLedger
	telemetry  *metrics.EscrowMetrics
	nowFn      func() int64
	seqFn      func() uint64
}

// NewEngine creates an engine with a no-op emitter, a no-op ledger, the
// caller-identity authorizer, the wall clock, and a process-local sequence
// source. All collaborators can be overridden via the setters.
func NewEngine() *Engine {
	seq := new(atomic.Uint64)
	return &Engine{
		emitter:    events.NoopEmitter{},
		authorizer: callerAuthorizer{},
		ledger:     NoopLedger{},
		telemetry:  metrics.Escrow(),
		nowFn:      func() int64 { return time.Now().Unix() },
		seqFn:      func() uint64 { return seq.Add(1) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetAuthorizer overrides the identity verifier. Passing nil restores the
// caller-identity match.
func (e *Engine) SetAuthorizer(auth Authorizer) {
	if auth == nil {
		e.authorizer = callerAuthorizer{}
		return
	}
	e.authorizer = auth
}

// SetLedger overrides the asset ledger. Passing nil restores the no-op
// ledger.
func (e *Engine) SetLedger(ledger AssetLedger) {
	if ledger == nil {
		e.ledger = NoopLedger{}
		return
	}
	e.ledger = ledger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetSequenceFunc overrides the sequence source mixed into identifier
// derivation. Passing nil restores a process-local monotonic counter.
func (e *Engine) SetSequenceFunc(seq func() uint64) {
	if seq == nil {
		counter := new(atomic.Uint64)
		e.seqFn = func() uint64 { return counter.Add(1) }
		return
	}
	e.seqFn = seq
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) sequence() uint64 {
	if e == nil || e.seqFn == nil {
		return 0
	}
	return e.seqFn()
}

func (e *Engine) requireAuthorization(caller, identity [20]byte) error {
	auth := e.authorizer
	if auth == nil {
		auth = callerAuthorizer{}
	}
	if !auth.Authorized(caller, identity) {
		return ErrUnauthorized
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneSecret(secret []byte) []byte {
	return append(make([]byte, 0, len(secret)), secret...)
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// releaseFromVault moves the escrowed amount out of the asset vault. A failed
// transfer aborts the transition before anything is persisted.
func (e *Engine) releaseFromVault(esc *Escrow, to [20]byte) error {
	vault, err := e.state.EscrowVaultAddress(esc.Asset)
	if err != nil {
		return err
	}
	ledger := e.ledger
	if ledger == nil {
		ledger = NoopLedger{}
	}
	if err := ledger.Transfer(vault, to, cloneBigInt(esc.Amount), esc.Asset); err != nil {
		return fmt.Errorf("escrow: asset transfer: %w", err)
	}
	return nil
}

// Initialize resets the registry: the counter returns to zero and every
// record and event is removed. Re-initialization is deliberately unguarded
// and repeatable.
func (e *Engine) Initialize() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowWipe()
}

// Create validates and persists a new escrow in the Pending state and returns
// its identifier. Preconditions run in order: amount, authorization for the
// maker, identifier collision.
func (e *Engine) Create(caller, maker [20]byte, amount *big.Int, asset string, hashLock [32]byte, timeLock int64) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 || amt.BitLen() > 127 {
		return [32]byte{}, ErrInvalidAmount
	}
	if err := e.requireAuthorization(caller, maker); err != nil {
		return [32]byte{}, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return [32]byte{}, err
	}
	counter, err := e.state.EscrowCounter()
	if err != nil {
		return [32]byte{}, err
	}
	counter++
	now := e.now()
	id := deriveID(uint64(now), uint32(e.sequence()), counter, amt)
	if _, ok, err := e.state.EscrowGet(id); err != nil {
		return [32]byte{}, err
	} else if ok {
		if e.telemetry != nil {
			e.telemetry.ObserveIDCollision()
		}
		return [32]byte{}, ErrEscrowExists
	}
	esc := &Escrow{
		ID:        id,
		Maker:     maker,
		Amount:    amt,
		Asset:     normalized,
		HashLock:  hashLock,
		TimeLock:  timeLock,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := e.state.EscrowCreate(esc, counter); err != nil {
		return [32]byte{}, err
	}
	if e.telemetry != nil {
		e.telemetry.ObserveOperation("create")
	}
	e.emit(events.EscrowCreated{
		ID:        id,
		Maker:     maker,
		Asset:     normalized,
		Amount:    cloneBigInt(amt),
		TimeLock:  timeLock,
		CreatedAt: now,
	})
	return id, nil
}

// Lock transitions a Pending escrow to Locked on behalf of the resolver.
// Expiry is deliberately not checked here; it gates only completion and
// refund.
func (e *Engine) Lock(caller [20]byte, id [32]byte, resolver [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuthorization(caller, resolver); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusPending {
		return ErrInvalidStatus
	}
	esc.Status = StatusLocked
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if e.telemetry != nil {
		e.telemetry.ObserveOperation("lock")
	}
	e.emit(events.EscrowLocked{ID: id, Resolver: resolver})
	return nil
}

// Complete releases a Locked escrow to the resolver in exchange for the
// hash-lock preimage. Preconditions run in order: authorization, existence,
// status, secret, expiry, so an expired escrow with the correct secret fails
// with ErrTimelockExpired rather than ErrInvalidSecret.
func (e *Engine) Complete(caller [20]byte, id [32]byte, secret []byte, resolver [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuthorization(caller, resolver); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		return ErrInvalidStatus
	}
	if HashSecret(secret) != esc.HashLock {
		if e.telemetry != nil {
			e.telemetry.ObserveRejection("complete", "invalid_secret")
		}
		return ErrInvalidSecret
	}
	if e.now() > esc.TimeLock {
		if e.telemetry != nil {
			e.telemetry.ObserveRejection("complete", "timelock_expired")
		}
		return ErrTimelockExpired
	}
	if err := e.releaseFromVault(esc, resolver); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	esc.Secret = cloneSecret(secret)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if e.telemetry != nil {
		e.telemetry.ObserveOperation("complete")
		e.telemetry.ObserveSettlement(esc.Asset, "released", esc.Amount)
	}
	e.emit(events.EscrowCompleted{ID: id, Resolver: resolver, Secret: cloneSecret(secret)})
	return nil
}

// Refund returns an expired escrow to its maker. The authorization identity
// is taken from the stored record, never from a caller-supplied parameter.
func (e *Engine) Refund(caller [20]byte, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.requireAuthorization(caller, esc.Maker); err != nil {
		return err
	}
	if esc.Status != StatusPending && esc.Status != StatusLocked {
		return ErrInvalidStatus
	}
	if e.now() <= esc.TimeLock {
		if e.telemetry != nil {
			e.telemetry.ObserveRejection("refund", "timelock_not_expired")
		}
		return ErrTimelockNotExpired
	}
	if err := e.releaseFromVault(esc, esc.Maker); err != nil {
		return err
	}
	esc.Status = StatusRefunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if e.telemetry != nil {
		e.telemetry.ObserveOperation("refund")
		e.telemetry.ObserveSettlement(esc.Asset, "refunded", esc.Amount)
	}
	e.emit(events.EscrowRefunded{ID: id, Maker: esc.Maker})
	return nil
}

// Get returns a copy of the escrow record, or ok=false when the identifier is
// unknown.
func (e *Engine) Get(id [32]byte) (*Escrow, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return esc.Clone(), true, nil
}

// ListByMaker scans the registry and returns every escrow deposited by the
// maker. The scan is O(records) and intended for off-critical-path reads.
func (e *Engine) ListByMaker(maker [20]byte) ([]*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	out := make([]*Escrow, 0)
	err := e.state.EscrowIterate(func(esc *Escrow) bool {
		if esc.Maker == maker {
			out = append(out, esc.Clone())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns up to limit escrows in identifier order, starting strictly
// after the cursor identifier. A zero cursor starts from the beginning. The
// second return value is the identifier of the last record returned, to be
// passed as the next cursor; ok=false means the scan is exhausted.
func (e *Engine) List(cursor [32]byte, limit int) ([]*Escrow, [32]byte, bool, error) {
	if e == nil || e.state == nil {
		return nil, [32]byte{}, false, errNilState
	}
	if limit <= 0 {
		limit = 100
	}
	out := make([]*Escrow, 0, limit)
	var last [32]byte
	more := false
	err := e.state.EscrowIterate(func(esc *Escrow) bool {
		if cursor != ([32]byte{}) && bytes.Compare(esc.ID[:], cursor[:]) <= 0 {
			return true
		}
		if len(out) == limit {
			more = true
			return false
		}
		out = append(out, esc.Clone())
		last = esc.ID
		return true
	})
	if err != nil {
		return nil, [32]byte{}, false, err
	}
	return out, last, more, nil
}

// Stats counts records per status and reports the creation counter. The four
// counts sum to the counter whenever the registry is quiescent; callers that
// need an exact snapshot serialize against Create (see core.Node).
func (e *Engine) Stats() (Stats, error) {
	if e == nil || e.state == nil {
		return Stats{}, errNilState
	}
	counter, err := e.state.EscrowCounter()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Counter: counter}
	err = e.state.EscrowIterate(func(esc *Escrow) bool {
		switch esc.Status {
		case StatusPending:
			stats.Pending++
		case StatusLocked:
			stats.Locked++
		case StatusCompleted:
			stats.Completed++
		case StatusRefunded:
			stats.Refunded++
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}
