package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorumescrow/core/events"
	"quorumescrow/storage"
)

type registryHarness struct {
	registry  *Registry
	clock     *testClock
	recorder  *events.Recorder
	transfers map[[32]byte]*fakeTransfer
}

func newRegistryHarness(t *testing.T, db storage.Database) *registryHarness {
	t.Helper()
	h := &registryHarness{
		clock:     &testClock{now: testStart},
		recorder:  &events.Recorder{},
		transfers: make(map[[32]byte]*fakeTransfer),
	}
	factory := func(id [32]byte) Transfer {
		tr, ok := h.transfers[id]
		if !ok {
			tr = &fakeTransfer{}
			h.transfers[id] = tr
		}
		return tr
	}
	opts := []RegistryOption{WithRegistryClock(h.clock.Now), WithRegistryEmitter(h.recorder)}
	if db != nil {
		opts = append(opts, WithStore(db))
	}
	h.registry = NewRegistry(factory, opts...)
	return h
}

func TestRegistryCreateAndList(t *testing.T) {
	h := newRegistryHarness(t, nil)
	r := h.registry

	first, err := r.Create(participantA, 1, baseConfig(5000))
	require.NoError(t, err)
	second, err := r.Create(participantA, 2, baseConfig(5000))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = r.Create(participantA, 1, baseConfig(5000))
	require.ErrorIs(t, err, ErrEscrowExists)

	bad := baseConfig(5000)
	bad.Recipients[0].ShareBps = 100
	_, err = r.Create(participantA, 3, bad)
	require.ErrorIs(t, err, ErrInvalidConfig)

	require.Equal(t, [][32]byte{first, second}, r.ListAll())
	require.Equal(t, 2, r.Count())
	require.Equal(t, []string{EventTypeCreated, EventTypeCreated}, h.recorder.Types())

	engine, err := r.Get(second)
	require.NoError(t, err)
	require.NoError(t, engine.Deposit(participantB, NativeAsset, big.NewInt(1)))

	require.Equal(t, [][32]byte{first}, r.ListByPhase(PhaseInit))
	require.Equal(t, [][32]byte{second}, r.ListByPhase(PhaseAwaitingConfirmation))
	require.Empty(t, r.ListByPhase(PhaseDispute))

	summary := r.Summary()
	require.Len(t, summary, len(Phases()))
	require.Equal(t, 1, summary[PhaseInit])
	require.Equal(t, 1, summary[PhaseAwaitingConfirmation])
	require.Equal(t, 0, summary[PhaseRefunded])

	require.Len(t, h.transfers[second].ins, 1)
	require.Empty(t, h.transfers[first].ins)
}

func TestRegistryMembershipAndSnapshots(t *testing.T) {
	h := newRegistryHarness(t, nil)
	r := h.registry
	cfg := baseConfig(5000)
	cfg.Recipients = []RecipientShare{{Identity: recipientS, ShareBps: 10_000}}
	other, err := r.Create(participantB, 1, cfg)
	require.NoError(t, err)
	mine, err := r.Create(participantB, 2, baseConfig(5000))
	require.NoError(t, err)

	require.Equal(t, [][32]byte{mine}, r.ListByMember(recipientR))
	require.Equal(t, [][32]byte{other, mine}, r.ListByMember(mediatorM))
	require.Empty(t, r.ListByMember(outsiderX))

	snap, err := r.GetSnapshot(other)
	require.NoError(t, err)
	require.Equal(t, other, snap.ID)
	require.Equal(t, PhaseInit, snap.Phase)
	require.Equal(t, testStart, snap.CreatedAt)

	_, err = r.GetSnapshot([32]byte{0xFF})
	require.ErrorIs(t, err, ErrEscrowNotFound)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestRegistryListRefundDue(t *testing.T) {
	h := newRegistryHarness(t, nil)
	r := h.registry
	stale, err := r.Create(participantA, 1, baseConfig(5000))
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	fresh, err := r.Create(participantA, 2, baseConfig(5000))
	require.NoError(t, err)

	require.Empty(t, r.ListRefundDue())
	h.clock.Advance(31 * time.Minute)
	require.Equal(t, [][32]byte{stale}, r.ListRefundDue())

	engine, err := r.Get(stale)
	require.NoError(t, err)
	require.NoError(t, engine.ForceRefund(outsiderX))
	require.Empty(t, r.ListRefundDue())

	h.clock.Advance(30 * time.Minute)
	require.Equal(t, [][32]byte{fresh}, r.ListRefundDue())
}

func TestRegistryLoadRestoresInstances(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })

	h := newRegistryHarness(t, db)
	first, err := h.registry.Create(participantA, 1, baseConfig(5000))
	require.NoError(t, err)
	second, err := h.registry.Create(participantA, 2, baseConfig(5000))
	require.NoError(t, err)
	engine, err := h.registry.Get(first)
	require.NoError(t, err)
	require.NoError(t, engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, engine.Confirm(participantA))

	reloaded := newRegistryHarness(t, db)
	count, err := reloaded.registry.Load()
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, [][32]byte{first, second}, reloaded.registry.ListAll())

	restored, err := reloaded.registry.Get(first)
	require.NoError(t, err)
	require.Equal(t, PhaseResolved, restored.Phase())
	paid, err := restored.Withdraw(recipientR, NativeAsset)
	require.NoError(t, err)
	requireAmount(t, 1, paid)
	require.Len(t, reloaded.transfers[first].outs, 1)

	_, err = reloaded.registry.Create(participantA, 2, baseConfig(5000))
	require.ErrorIs(t, err, ErrEscrowExists)

	count, err = reloaded.registry.Load()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

type failingDB struct {
	*storage.MemDB
}

func (failingDB) Put([]byte, []byte) error { return errors.New("read-only") }

func TestRegistryCreatePersistFailure(t *testing.T) {
	h := newRegistryHarness(t, failingDB{MemDB: storage.NewMemDB()})
	_, err := h.registry.Create(participantA, 1, baseConfig(5000))
	require.ErrorIs(t, err, ErrPersistFailed)
	require.Zero(t, h.registry.Count())
}

func TestRegistryRejectsFractionalPeriods(t *testing.T) {
	db := storage.NewMemDB()
	h := newRegistryHarness(t, db)
	cfg := baseConfig(5000)
	cfg.FundingPeriod = 1500 * time.Millisecond
	_, err := h.registry.Create(participantA, 1, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Zero(t, h.registry.Count())
	keys, err := db.Keys(nil)
	require.NoError(t, err)
	require.Empty(t, keys)

	cfg.FundingPeriod = 2 * time.Second
	id, err := h.registry.Create(participantA, 1, cfg)
	require.NoError(t, err)

	reloaded := newRegistryHarness(t, db)
	n, err := reloaded.registry.Load()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	engine, err := reloaded.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, engine.Config().FundingPeriod)
}
