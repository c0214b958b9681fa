package escrow

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/storage"
)

var (
	snapshotPrefix = []byte("escrow/snapshot/")
	orderPrefix    = []byte("escrow/order/")
)

func snapshotKey(id [32]byte) []byte {
	return append(append([]byte(nil), snapshotPrefix...), id[:]...)
}

func orderKey(index uint64) []byte {
	key := append([]byte(nil), orderPrefix...)
	return binary.BigEndian.AppendUint64(key, index)
}

// TransferFactory returns the transfer collaborator bound to an instance.
type TransferFactory func(id [32]byte) Transfer

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithStore persists every instance snapshot to db.
func WithStore(db storage.Database) RegistryOption {
	return func(r *Registry) { r.db = db }
}

// WithRegistryEmitter configures the emitter shared by all instances.
func WithRegistryEmitter(emitter events.Emitter) RegistryOption {
	return func(r *Registry) {
		if emitter != nil {
			r.emitter = emitter
		}
	}
}

// WithRegistryClock overrides the time source handed to every instance.
func WithRegistryClock(now func() int64) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// Registry creates escrow instances and indexes them in creation order. It
// never mutates instance state itself.
type Registry struct {
	mu        sync.RWMutex
	order     [][32]byte
	engines   map[[32]byte]*Engine
	transfers TransferFactory
	emitter   events.Emitter
	nowFn     func() int64
	db        storage.Database
}

// NewRegistry constructs an empty registry.
func NewRegistry(transfers TransferFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		engines:   make(map[[32]byte]*Engine),
		transfers: transfers,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) engineOptions() []Option {
	opts := []Option{WithClock(r.nowFn), WithEmitter(r.emitter)}
	if r.db != nil {
		opts = append(opts, WithPersister(r.store))
	}
	return opts
}

func (r *Registry) store(snap *Snapshot) error {
	encoded, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return r.db.Put(snapshotKey(snap.ID), encoded)
}

func (r *Registry) transferFor(id [32]byte) Transfer {
	if r.transfers == nil {
		return nil
	}
	return r.transfers(id)
}

// Create instantiates a new escrow owned by creator. The identifier is derived
// from the creator, the nonce and the configuration digest, so replaying the
// same request yields ErrEscrowExists.
func (r *Registry) Create(creator [20]byte, nonce uint64, cfg Config) ([32]byte, error) {
	digest, err := cfg.Digest()
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	id := crypto.InstanceID(creator, nonce, digest[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[id]; exists {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrEscrowExists, crypto.FormatID(id))
	}
	engine, err := NewEngine(id, cfg, r.transferFor(id), r.engineOptions()...)
	if err != nil {
		return [32]byte{}, err
	}
	if r.db != nil {
		if err := r.store(engine.Snapshot()); err != nil {
			return [32]byte{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
		if err := r.db.Put(orderKey(uint64(len(r.order))), id[:]); err != nil {
			return [32]byte{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
	}
	r.engines[id] = engine
	r.order = append(r.order, id)

	evt := NewCreatedEvent(creator, cfg)
	evt.Time = r.nowFn()
	evt.Attributes["escrow"] = crypto.FormatID(id)
	r.emitter.Emit(Notification{EscrowID: id, evt: evt})
	return id, nil
}

// Load restores every instance recorded in the configured store, preserving
// creation order. It must be called before the registry is used.
func (r *Registry) Load() (int, error) {
	if r.db == nil {
		return 0, nil
	}
	keys, err := r.db.Keys(orderPrefix)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		raw, err := r.db.Get(key)
		if err != nil {
			return 0, fmt.Errorf("escrow registry: read index: %w", err)
		}
		if len(raw) != 32 {
			return 0, fmt.Errorf("escrow registry: malformed index entry %x", key)
		}
		var id [32]byte
		copy(id[:], raw)
		if _, ok := r.engines[id]; ok {
			continue
		}
		encoded, err := r.db.Get(snapshotKey(id))
		if err != nil {
			return 0, fmt.Errorf("escrow registry: read snapshot %s: %w", crypto.FormatID(id), err)
		}
		snap, err := DecodeSnapshot(encoded)
		if err != nil {
			return 0, err
		}
		engine, err := RestoreEngine(snap, r.transferFor(id), r.engineOptions()...)
		if err != nil {
			return 0, fmt.Errorf("escrow registry: restore %s: %w", crypto.FormatID(id), err)
		}
		r.engines[id] = engine
		r.order = append(r.order, id)
	}
	return len(r.order), nil
}

// Get returns the engine of an instance.
func (r *Registry) Get(id [32]byte) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, crypto.FormatID(id))
	}
	return engine, nil
}

func (r *Registry) list() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}

// ListAll returns every instance identifier in creation order.
func (r *Registry) ListAll() [][32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([][32]byte(nil), r.order...)
}

// ListByPhase returns the instances currently in phase.
func (r *Registry) ListByPhase(phase Phase) [][32]byte {
	var out [][32]byte
	for _, engine := range r.list() {
		if engine.Phase() == phase {
			out = append(out, engine.ID())
		}
	}
	return out
}

// ListByMember returns the instances where identity is the mediator, a
// participant or a recipient.
func (r *Registry) ListByMember(identity [20]byte) [][32]byte {
	var out [][32]byte
	for _, engine := range r.list() {
		snap := Snapshot{Config: engine.cfg}
		if snap.Involves(identity) {
			out = append(out, engine.ID())
		}
	}
	return out
}

// ListRefundDue returns the instances whose current-phase deadline elapsed.
func (r *Registry) ListRefundDue() [][32]byte {
	var out [][32]byte
	for _, engine := range r.list() {
		if engine.RefundDue() {
			out = append(out, engine.ID())
		}
	}
	return out
}

// GetSnapshot returns the read-only aggregate of an instance.
func (r *Registry) GetSnapshot(id [32]byte) (*Snapshot, error) {
	engine, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return engine.Snapshot(), nil
}

// Count returns the number of instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Summary counts the instances in each phase. Every phase is present.
func (r *Registry) Summary() map[Phase]int {
	out := make(map[Phase]int, len(phaseNames))
	for _, phase := range Phases() {
		out[phase] = 0
	}
	for _, engine := range r.list() {
		out[engine.Phase()]++
	}
	return out
}
