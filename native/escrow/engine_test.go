package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorumescrow/core/events"
)

const testStart = int64(1_700_000_000)

type transferCall struct {
	account [20]byte
	asset   [20]byte
	amount  *big.Int
}

type fakeTransfer struct {
	ins     []transferCall
	outs    []transferCall
	failIn  error
	failOut error
}

func (f *fakeTransfer) TransferIn(from, asset [20]byte, amount *big.Int) error {
	if f.failIn != nil {
		return f.failIn
	}
	f.ins = append(f.ins, transferCall{account: from, asset: asset, amount: new(big.Int).Set(amount)})
	return nil
}

func (f *fakeTransfer) TransferOut(to, asset [20]byte, amount *big.Int) error {
	if f.failOut != nil {
		return f.failOut
	}
	f.outs = append(f.outs, transferCall{account: to, asset: asset, amount: new(big.Int).Set(amount)})
	return nil
}

type testClock struct{ now int64 }

func (c *testClock) Now() int64 { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now += int64(d / time.Second) }

func requireAmount(t *testing.T, want int64, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, big.NewInt(want).String(), got.String(), msgAndArgs...)
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	participantA = newTestAddress(0x0A)
	participantB = newTestAddress(0x0B)
	recipientR   = newTestAddress(0x1A)
	recipientS   = newTestAddress(0x1B)
	recipientT   = newTestAddress(0x1C)
	mediatorM    = newTestAddress(0x3E)
	outsiderX    = newTestAddress(0x99)
	tokenAsset   = newTestAddress(0xC0)
)

func baseConfig(threshold uint32) Config {
	return Config{
		Mediator: mediatorM,
		Participants: []ParticipantShare{
			{Identity: participantA, Share: 5000},
			{Identity: participantB, Share: 5000},
		},
		Recipients:             []RecipientShare{{Identity: recipientR, ShareBps: 10_000}},
		Assets:                 []RequiredAsset{{Asset: NativeAsset, Amount: big.NewInt(1)}},
		ConfirmationsThreshold: threshold,
		FundingPeriod:          time.Hour,
		ConfirmationPeriod:     2 * time.Hour,
		DisputePeriod:          3 * time.Hour,
	}
}

type harness struct {
	engine   *Engine
	transfer *fakeTransfer
	clock    *testClock
	recorder *events.Recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		transfer: &fakeTransfer{},
		clock:    &testClock{now: testStart},
		recorder: &events.Recorder{},
	}
	opts = append([]Option{WithClock(h.clock.Now), WithEmitter(h.recorder)}, opts...)
	engine, err := NewEngine([32]byte{0x01}, cfg, h.transfer, opts...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func TestQuorumReleaseScenario(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	e := h.engine

	require.Equal(t, PhaseInit, e.Phase())
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.Equal(t, PhaseAwaitingConfirmation, e.Phase())
	require.Equal(t, []string{EventTypeFundsDeposited, EventTypePhaseChanged}, h.recorder.Types())
	require.Len(t, h.transfer.ins, 1)
	require.Equal(t, participantA, h.transfer.ins[0].account)

	h.recorder.Reset()
	require.NoError(t, e.Confirm(participantA))
	require.Equal(t, PhaseResolved, e.Phase())
	require.Equal(t, uint64(5000), e.ConfirmationsWeight())
	require.Equal(t, uint64(5000), e.ConfirmedPercent())
	require.True(t, e.IsConfirmed(participantA))
	require.False(t, e.IsConfirmed(participantB))
	require.Equal(t, []string{EventTypeParticipantConfirmed, EventTypePhaseChanged, EventTypeFundsAllocated}, h.recorder.Types())
	requireAmount(t, 1, e.WithdrawableOf(recipientR, NativeAsset))
	requireAmount(t, 1, e.DepositedAmount(NativeAsset), "release keeps the deposited total")

	h.recorder.Reset()
	paid, err := e.Withdraw(recipientR, NativeAsset)
	require.NoError(t, err)
	requireAmount(t, 1, paid)
	requireAmount(t, 0, e.WithdrawableOf(recipientR, NativeAsset))
	require.Len(t, h.transfer.outs, 1)
	require.Equal(t, recipientR, h.transfer.outs[0].account)
	require.Equal(t, []string{EventTypeFundsWithdrawn}, h.recorder.Types())

	_, err = e.Withdraw(recipientR, NativeAsset)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
	require.Len(t, h.transfer.outs, 1)
}

func TestDisputeRefundScenario(t *testing.T) {
	h := newHarness(t, baseConfig(7000))
	e := h.engine

	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, e.Confirm(participantA))
	require.Equal(t, PhaseAwaitingConfirmation, e.Phase())

	err := e.RaiseDispute(outsiderX)
	require.ErrorIs(t, err, ErrTooEarly)
	require.Equal(t, KindDeadline, KindOf(err))

	h.clock.Advance(2 * time.Hour)
	require.ErrorIs(t, e.RaiseDispute(outsiderX), ErrTooEarly, "deadline itself is still inside the window")

	h.clock.Advance(time.Second)
	require.NoError(t, e.RaiseDispute(outsiderX))
	require.Equal(t, PhaseDispute, e.Phase())

	require.ErrorIs(t, e.ResolveDisputeRefundAll(participantA), ErrNotMediator)

	h.recorder.Reset()
	require.NoError(t, e.ResolveDisputeRefundAll(mediatorM))
	require.Equal(t, PhaseRefunded, e.Phase())
	require.Equal(t, []string{EventTypeDisputeResolved, EventTypePhaseChanged, EventTypeFundsAllocated}, h.recorder.Types())
	requireAmount(t, 1, e.WithdrawableOf(participantA, NativeAsset))
	requireAmount(t, 0, e.DepositOf(participantA, NativeAsset))
	requireAmount(t, 0, e.DepositedAmount(NativeAsset))
	requireAmount(t, 0, e.WithdrawableOf(recipientR, NativeAsset))

	paid, err := e.Withdraw(participantA, NativeAsset)
	require.NoError(t, err)
	requireAmount(t, 1, paid)
}

func TestForceRefundWithoutDeposits(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	e := h.engine

	require.ErrorIs(t, e.ForceRefund(outsiderX), ErrTooEarly)
	require.False(t, e.RefundDue())

	h.clock.Advance(time.Hour)
	require.ErrorIs(t, e.ForceRefund(outsiderX), ErrTooEarly)

	h.clock.Advance(time.Second)
	require.True(t, e.RefundDue())
	require.NoError(t, e.ForceRefund(outsiderX))
	require.Equal(t, PhaseRefunded, e.Phase())
	require.Equal(t, []string{EventTypePhaseChanged}, h.recorder.Types())

	err := e.ForceRefund(outsiderX)
	require.ErrorIs(t, err, ErrRefundNotAllowed)
	require.Equal(t, KindPrecondition, KindOf(err))
	require.False(t, e.RefundDue())
}

func TestForceRefundAfterConfirmationWindow(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	e := h.engine
	require.NoError(t, e.Deposit(participantB, NativeAsset, big.NewInt(3)))

	h.clock.Advance(2 * time.Hour)
	require.ErrorIs(t, e.ForceRefund(outsiderX), ErrTooEarly)
	h.clock.Advance(time.Second)
	require.NoError(t, e.ForceRefund(outsiderX))
	requireAmount(t, 3, e.WithdrawableOf(participantB, NativeAsset))
}

func TestDisputeExpiryRoutesToForceRefund(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	e := h.engine
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	h.clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, e.RaiseDispute(participantB))

	require.ErrorIs(t, e.ForceRefund(outsiderX), ErrTooEarly)
	h.clock.Advance(3*time.Hour + time.Second)
	err := e.ResolveDisputeToRecipients(mediatorM)
	require.ErrorIs(t, err, ErrDisputeExpired)
	require.Equal(t, PhaseDispute, e.Phase())

	require.NoError(t, e.ForceRefund(outsiderX))
	require.Equal(t, PhaseRefunded, e.Phase())
	requireAmount(t, 1, e.WithdrawableOf(participantA, NativeAsset))
}

func TestSettleRefundReturnsExactDeposits(t *testing.T) {
	tests := []struct {
		name   string
		native int64
		token  int64
		funds  bool
		refund func(t *testing.T, h *harness)
	}{
		{
			name:   "force refund after funding window",
			native: 10,
			token:  10,
			refund: func(t *testing.T, h *harness) {
				h.clock.Advance(time.Hour + time.Second)
				require.NoError(t, h.engine.ForceRefund(outsiderX))
			},
		},
		{
			name:   "mediator refund from dispute",
			native: 3,
			token:  4,
			funds:  true,
			refund: func(t *testing.T, h *harness) {
				h.clock.Advance(2*time.Hour + time.Second)
				require.NoError(t, h.engine.RaiseDispute(participantB))
				h.recorder.Reset()
				require.NoError(t, h.engine.ResolveDisputeRefundAll(mediatorM))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(10_000)
			cfg.Assets = []RequiredAsset{
				{Asset: NativeAsset, Amount: big.NewInt(tc.native)},
				{Asset: tokenAsset, Amount: big.NewInt(tc.token)},
			}
			h := newHarness(t, cfg)
			e := h.engine

			require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
			require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(2)))
			require.NoError(t, e.Deposit(outsiderX, tokenAsset, big.NewInt(4)))
			if tc.funds {
				require.Equal(t, PhaseAwaitingConfirmation, e.Phase())
			} else {
				require.Equal(t, PhaseInit, e.Phase())
			}

			h.recorder.Reset()
			tc.refund(t, h)

			require.Equal(t, PhaseRefunded, e.Phase())
			requireAmount(t, 3, e.WithdrawableOf(participantA, NativeAsset))
			requireAmount(t, 0, e.WithdrawableOf(participantA, tokenAsset))
			requireAmount(t, 4, e.WithdrawableOf(outsiderX, tokenAsset))
			requireAmount(t, 0, e.WithdrawableOf(outsiderX, NativeAsset))
			requireAmount(t, 0, e.DepositOf(participantA, NativeAsset))
			requireAmount(t, 0, e.DepositOf(outsiderX, tokenAsset))
			requireAmount(t, 0, e.DepositedAmount(NativeAsset))
			requireAmount(t, 0, e.DepositedAmount(tokenAsset))
			require.Equal(t, []string{
				EventTypePhaseChanged,
				EventTypeFundsAllocated,
				EventTypeFundsAllocated,
			}, h.recorder.Types())
		})
	}
}

func TestMediatorReleasesToRecipients(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	e := h.engine
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	h.clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, e.RaiseDispute(participantB))

	require.NoError(t, e.ResolveDisputeToRecipients(mediatorM))
	require.Equal(t, PhaseResolved, e.Phase())
	requireAmount(t, 1, e.WithdrawableOf(recipientR, NativeAsset))
	require.ErrorIs(t, e.ResolveDisputeRefundAll(mediatorM), ErrInvalidPhase)
	require.ErrorIs(t, e.ForceRefund(mediatorM), ErrRefundNotAllowed)
}

func TestSettlementSplits(t *testing.T) {
	tests := []struct {
		name        string
		recipients  []RecipientShare
		deposit     int64
		want        []int64
		unallocated int64
		native      int64
		wantNative  []int64
	}{
		{
			name:       "exact seventy thirty",
			recipients: []RecipientShare{{Identity: recipientR, ShareBps: 7000}, {Identity: recipientS, ShareBps: 3000}},
			deposit:    10,
			want:       []int64{7, 3},
		},
		{
			name: "thirds leave a remainder",
			recipients: []RecipientShare{
				{Identity: recipientR, ShareBps: 3334},
				{Identity: recipientS, ShareBps: 3333},
				{Identity: recipientT, ShareBps: 3333},
			},
			deposit:     100,
			want:        []int64{33, 33, 33},
			unallocated: 1,
		},
		{
			name: "indivisible unit",
			recipients: []RecipientShare{
				{Identity: recipientR, ShareBps: 3334},
				{Identity: recipientS, ShareBps: 3333},
				{Identity: recipientT, ShareBps: 3333},
			},
			deposit:     1,
			want:        []int64{0, 0, 0},
			unallocated: 1,
		},
		{
			name:       "two assets split independently",
			recipients: []RecipientShare{{Identity: recipientR, ShareBps: 7000}, {Identity: recipientS, ShareBps: 3000}},
			deposit:    10,
			want:       []int64{7, 3},
			native:     5,
			wantNative: []int64{3, 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(5000)
			cfg.Recipients = tc.recipients
			cfg.Assets = []RequiredAsset{{Asset: tokenAsset, Amount: big.NewInt(tc.deposit)}}
			if tc.native > 0 {
				cfg.Assets = append(cfg.Assets, RequiredAsset{Asset: NativeAsset, Amount: big.NewInt(tc.native)})
			}
			h := newHarness(t, cfg)
			require.NoError(t, h.engine.Deposit(participantA, tokenAsset, big.NewInt(tc.deposit)))
			if tc.native > 0 {
				require.NoError(t, h.engine.Deposit(participantB, NativeAsset, big.NewInt(tc.native)))
			}
			require.NoError(t, h.engine.Confirm(participantB))
			require.Equal(t, PhaseResolved, h.engine.Phase())

			total := big.NewInt(0)
			for i, r := range tc.recipients {
				got := h.engine.WithdrawableOf(r.Identity, tokenAsset)
				requireAmount(t, tc.want[i], got, "recipient %d", i)
				total.Add(total, got)
			}
			require.True(t, total.Cmp(big.NewInt(tc.deposit)) <= 0)
			requireAmount(t, tc.unallocated, h.engine.Unallocated(tokenAsset))
			requireAmount(t, tc.deposit, new(big.Int).Add(total, h.engine.Unallocated(tokenAsset)))

			nativeTotal := big.NewInt(0)
			for i, want := range tc.wantNative {
				got := h.engine.WithdrawableOf(tc.recipients[i].Identity, NativeAsset)
				requireAmount(t, want, got, "native recipient %d", i)
				nativeTotal.Add(nativeTotal, got)
			}
			if tc.native > 0 {
				requireAmount(t, tc.native, new(big.Int).Add(nativeTotal, h.engine.Unallocated(NativeAsset)))
			}
		})
	}
}

func TestDepositPreconditions(t *testing.T) {
	cfg := baseConfig(5000)
	cfg.Assets = []RequiredAsset{
		{Asset: NativeAsset, Amount: big.NewInt(2)},
		{Asset: tokenAsset, Amount: big.NewInt(5)},
	}
	h := newHarness(t, cfg)
	e := h.engine

	err := e.Deposit(participantA, outsiderX, big.NewInt(1))
	require.ErrorIs(t, err, ErrAssetNotRequired)
	require.ErrorIs(t, e.Deposit(participantA, NativeAsset, big.NewInt(0)), ErrZeroAmount)
	require.ErrorIs(t, e.Deposit(participantA, NativeAsset, nil), ErrZeroAmount)
	require.ErrorIs(t, e.Deposit(participantA, NativeAsset, big.NewInt(-3)), ErrZeroAmount)
	require.Empty(t, h.transfer.ins)

	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(5)))
	require.Equal(t, PhaseInit, e.Phase(), "token asset still missing")
	require.NoError(t, e.Deposit(outsiderX, tokenAsset, big.NewInt(4)))
	require.Equal(t, PhaseInit, e.Phase())
	require.NoError(t, e.Deposit(participantB, tokenAsset, big.NewInt(1)))
	require.Equal(t, PhaseAwaitingConfirmation, e.Phase())
	require.True(t, e.Deadlines().Confirmation.Applicable)

	requireAmount(t, 5, e.DepositedAmount(tokenAsset))
	requireAmount(t, 4, e.DepositOf(outsiderX, tokenAsset))
	require.ErrorIs(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)), ErrInvalidPhase)

	snap := e.Snapshot()
	require.Equal(t, [][20]byte{participantA, outsiderX, participantB}, snap.Depositors)
}

func TestDepositAfterFundingWindow(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	h.clock.Advance(time.Hour)
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)), "deadline second is still open")

	h = newHarness(t, baseConfig(5000))
	h.clock.Advance(time.Hour + time.Second)
	err := h.engine.Deposit(participantA, NativeAsset, big.NewInt(1))
	require.ErrorIs(t, err, ErrDeadlineExpired)
	require.Empty(t, h.transfer.ins)
}

func TestDepositTransferFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	cause := errors.New("insufficient balance")
	h.transfer.failIn = cause

	err := h.engine.Deposit(participantA, NativeAsset, big.NewInt(1))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindCollaborator, KindOf(err))
	require.Equal(t, PhaseInit, h.engine.Phase())
	requireAmount(t, 0, h.engine.DepositedAmount(NativeAsset))
	require.Empty(t, h.recorder.Events())
}

func TestDepositPersistFailureReturnsFunds(t *testing.T) {
	persistErr := errors.New("disk full")
	h := newHarness(t, baseConfig(5000), WithPersister(func(*Snapshot) error { return persistErr }))

	err := h.engine.Deposit(participantA, NativeAsset, big.NewInt(1))
	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, persistErr)
	require.Len(t, h.transfer.ins, 1)
	require.Len(t, h.transfer.outs, 1)
	require.Equal(t, participantA, h.transfer.outs[0].account)
	require.Equal(t, PhaseInit, h.engine.Phase())
	requireAmount(t, 0, h.engine.DepositOf(participantA, NativeAsset))
	require.Empty(t, h.recorder.Events())
}

func TestConfirmPreconditions(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	e := h.engine

	require.ErrorIs(t, e.Confirm(participantA), ErrInvalidPhase)
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))

	require.ErrorIs(t, e.Confirm(outsiderX), ErrNotParticipant)
	require.ErrorIs(t, e.Confirm(recipientR), ErrNotParticipant)
	require.NoError(t, e.Confirm(participantA))
	require.ErrorIs(t, e.Confirm(participantA), ErrAlreadyConfirmed)
	require.Equal(t, uint64(5000), e.ConfirmationsWeight())

	require.NoError(t, e.Confirm(participantB))
	require.Equal(t, PhaseResolved, e.Phase())
	require.Equal(t, uint64(10_000), e.ConfirmationsWeight())
	require.ErrorIs(t, e.Confirm(participantB), ErrInvalidPhase)
}

func TestConfirmThresholdUsesTruncatedPercent(t *testing.T) {
	cfg := baseConfig(6667)
	third := newTestAddress(0x0C)
	cfg.Participants = []ParticipantShare{
		{Identity: participantA, Share: 1},
		{Identity: participantB, Share: 1},
		{Identity: third, Share: 1},
	}
	h := newHarness(t, cfg)
	e := h.engine
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, e.Confirm(participantA))
	require.NoError(t, e.Confirm(participantB))
	require.Equal(t, uint64(6666), e.ConfirmedPercent())
	require.Equal(t, uint64(6666), e.Snapshot().ConfirmedPercent())
	require.Equal(t, PhaseAwaitingConfirmation, e.Phase())
	require.NoError(t, e.Confirm(third))
	require.Equal(t, PhaseResolved, e.Phase())
	require.Equal(t, uint64(3), e.ConfirmationsWeight())
}

func TestConfirmLargeSharesDoNotOverflow(t *testing.T) {
	cfg := baseConfig(5000)
	cfg.Participants = []ParticipantShare{
		{Identity: participantA, Share: 1 << 62},
		{Identity: participantB, Share: 1 << 62},
	}
	h := newHarness(t, cfg)
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, h.engine.Confirm(participantB))
	require.Equal(t, PhaseResolved, h.engine.Phase())
}

func TestZeroThresholdSettlesOnFirstConfirmation(t *testing.T) {
	h := newHarness(t, baseConfig(0))
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.Equal(t, PhaseAwaitingConfirmation, h.engine.Phase())
	require.NoError(t, h.engine.Confirm(participantB))
	require.Equal(t, PhaseResolved, h.engine.Phase())
}

func TestWithdrawRequiresTerminalPhase(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	_, err := h.engine.Withdraw(recipientR, NativeAsset)
	require.ErrorIs(t, err, ErrInvalidPhase)

	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	_, err = h.engine.Withdraw(participantA, NativeAsset)
	require.ErrorIs(t, err, ErrInvalidPhase)
}

func TestWithdrawTransferFailureRestoresBalance(t *testing.T) {
	var persisted []*Snapshot
	h := newHarness(t, baseConfig(5000), WithPersister(func(s *Snapshot) error {
		persisted = append(persisted, s)
		return nil
	}))
	e := h.engine
	require.NoError(t, e.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, e.Confirm(participantA))
	settledSeq := e.Snapshot().Sequence
	h.recorder.Reset()
	persisted = nil

	h.transfer.failOut = errors.New("recipient rejected")
	_, err := e.Withdraw(recipientR, NativeAsset)
	require.ErrorIs(t, err, ErrTransferFailed)
	requireAmount(t, 1, e.WithdrawableOf(recipientR, NativeAsset))
	require.Empty(t, h.recorder.Events())

	require.Len(t, persisted, 2)
	require.Empty(t, persisted[0].Withdrawable, "balance is zeroed before the transfer")
	require.Len(t, persisted[1].Withdrawable, 1)
	require.Equal(t, settledSeq, persisted[1].Sequence)
	require.Equal(t, settledSeq, e.Snapshot().Sequence)

	h.transfer.failOut = nil
	paid, err := e.Withdraw(recipientR, NativeAsset)
	require.NoError(t, err)
	requireAmount(t, 1, paid)
	require.Equal(t, []string{EventTypeFundsWithdrawn}, h.recorder.Types())
	withdrawn, ok := h.recorder.Events()[0].(Notification)
	require.True(t, ok)
	require.Equal(t, settledSeq+1, withdrawn.Event().Sequence)
}

func TestEventsCarryEscrowAndSequence(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, h.engine.Confirm(participantA))

	recorded := h.recorder.Events()
	require.Len(t, recorded, 5)
	for i, evt := range recorded {
		payload, ok := evt.(events.Payload)
		require.True(t, ok)
		require.Equal(t, uint64(i+1), payload.Event().Sequence)
		require.Equal(t, testStart, payload.Event().Time)
		require.NotEmpty(t, payload.Event().Attr("escrow"))
	}
	changed := recorded[1].(events.Payload).Event()
	require.Equal(t, "INIT", changed.Attr("from"))
	require.Equal(t, "AWAITING_CONFIRMATION", changed.Attr("to"))
	require.Equal(t, uint64(5), h.engine.Snapshot().Sequence)
}

func TestQueriesMirrorConfiguration(t *testing.T) {
	cfg := baseConfig(5000)
	cfg.Recipients = []RecipientShare{{Identity: recipientR, ShareBps: 6000}, {Identity: recipientS, ShareBps: 4000}}
	h := newHarness(t, cfg)
	e := h.engine

	require.Equal(t, mediatorM, e.Mediator())
	require.Equal(t, uint64(5000), e.ShareOf(participantA))
	require.Zero(t, e.ShareOf(outsiderX))
	require.Equal(t, uint32(4000), e.RecipientShareOf(recipientS))
	require.Zero(t, e.RecipientShareOf(participantA))
	require.Equal(t, uint64(10_000), e.TotalParticipantShare())
	require.Equal(t, 2, e.ParticipantCount())
	require.Equal(t, 2, e.RecipientCount())
	require.Equal(t, 1, e.AssetCount())
	requireAmount(t, 1, e.RequiredAmount(NativeAsset))
	requireAmount(t, 0, e.RequiredAmount(tokenAsset))

	deadlines := e.Deadlines()
	require.Equal(t, Deadline{At: testStart + 3600, Applicable: true}, deadlines.Funding)
	require.False(t, deadlines.Confirmation.Applicable)
	require.False(t, deadlines.Dispute.Applicable)

	snap := e.Snapshot()
	require.True(t, snap.Involves(recipientS))
	require.True(t, snap.Involves(mediatorM))
	require.False(t, snap.Involves(outsiderX))
	require.Equal(t, deadlines, snap.Deadlines())
}

func TestNewEngineRejectsInvalidInput(t *testing.T) {
	cfg := baseConfig(5000)
	cfg.Recipients[0].ShareBps = 9999
	_, err := NewEngine([32]byte{1}, cfg, &fakeTransfer{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, KindConfiguration, KindOf(err))

	_, err = NewEngine([32]byte{1}, baseConfig(5000), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRestoreEngineResumesLifecycle(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, h.engine.Confirm(participantA))

	encoded, err := EncodeSnapshot(h.engine.Snapshot())
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(encoded)
	require.NoError(t, err)

	restored, err := RestoreEngine(decoded, h.transfer, WithClock(h.clock.Now))
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingConfirmation, restored.Phase())
	require.True(t, restored.IsConfirmed(participantA))
	require.ErrorIs(t, restored.Confirm(participantA), ErrAlreadyConfirmed)
	require.NoError(t, restored.Confirm(participantB))
	require.Equal(t, PhaseResolved, restored.Phase())
	requireAmount(t, 1, restored.WithdrawableOf(recipientR, NativeAsset))
}

func TestFuncTransfer(t *testing.T) {
	var pulled *big.Int
	ft := FuncTransfer{In: func(_, _ [20]byte, amount *big.Int) error {
		pulled = amount
		return nil
	}}
	require.NoError(t, ft.TransferIn(participantA, NativeAsset, big.NewInt(9)))
	requireAmount(t, 9, pulled)
	require.Error(t, ft.TransferOut(participantA, NativeAsset, big.NewInt(1)))
}

func TestConcurrentDepositsFundOnce(t *testing.T) {
	cfg := baseConfig(5000)
	cfg.Assets = []RequiredAsset{{Asset: NativeAsset, Amount: big.NewInt(50)}}
	h := newHarness(t, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.engine.Deposit(participantA, NativeAsset, big.NewInt(1))
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidPhase)
		rejected++
	}
	require.Equal(t, 50, ok)
	require.Equal(t, 14, rejected)
	requireAmount(t, 50, h.engine.DepositedAmount(NativeAsset))

	var transitions int
	for _, typ := range h.recorder.Types() {
		if typ == EventTypePhaseChanged {
			transitions++
		}
	}
	require.Equal(t, 1, transitions)
}
