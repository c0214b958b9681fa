package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"quorumescrow/core/events"
	"quorumescrow/core/types"
	"quorumescrow/crypto"
)

var errNilTransfer = errors.New("escrow engine: transfer collaborator not configured")

// PersistFunc stores the snapshot of a mutation before it becomes visible.
// Returning an error aborts the mutation.
type PersistFunc func(*Snapshot) error

// Option customises an Engine at construction.
type Option func(*Engine)

// WithClock overrides the unix-seconds time source.
func WithClock(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithEmitter configures where notifications are delivered.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithPersister installs a hook invoked with every committed snapshot.
func WithPersister(fn PersistFunc) Option {
	return func(e *Engine) { e.persist = fn }
}

// Engine owns the lifecycle of a single escrow instance. All operations are
// serialised by a per-instance mutex.
type Engine struct {
	mu       sync.Mutex
	id       [32]byte
	cfg      Config
	shares   map[[20]byte]uint64
	total    uint64
	transfer Transfer
	emitter  events.Emitter
	persist  PersistFunc
	nowFn    func() int64
	state    *state
}

func newEngine(id [32]byte, cfg Config, transfer Transfer, opts []Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errNilTransfer)
	}
	e := &Engine{
		id:       id,
		cfg:      cfg.Clone(),
		shares:   make(map[[20]byte]uint64, len(cfg.Participants)),
		transfer: transfer,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	for _, p := range cfg.Participants {
		e.shares[p.Identity] = p.Share
		e.total += p.Share
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// NewEngine validates cfg and creates a fresh instance in PhaseInit. The
// creation timestamp is taken from the configured clock.
func NewEngine(id [32]byte, cfg Config, transfer Transfer, opts ...Option) (*Engine, error) {
	e, err := newEngine(id, cfg, transfer, opts)
	if err != nil {
		return nil, err
	}
	e.state = newState(e.now(), e.cfg)
	return e, nil
}

// RestoreEngine rebuilds an engine from a previously persisted snapshot.
func RestoreEngine(snap *Snapshot, transfer Transfer, opts ...Option) (*Engine, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidConfig)
	}
	e, err := newEngine(snap.ID, snap.Config, transfer, opts)
	if err != nil {
		return nil, err
	}
	st, err := stateFromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	e.state = st
	return e, nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// commit stamps the pending events, persists the resulting snapshot and swaps
// next in as the current state. Events are returned for publication.
func (e *Engine) commit(next *state, evts []*types.Event) ([]*types.Event, error) {
	now := e.now()
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		next.sequence++
		evt.Sequence = next.sequence
		evt.Time = now
		evt.Attributes["escrow"] = crypto.FormatID(e.id)
	}
	if e.persist != nil {
		if err := e.persist(next.snapshot(e.id, e.cfg)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
	}
	e.state = next
	return evts, nil
}

func (e *Engine) publish(evts []*types.Event) {
	if e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		e.emitter.Emit(Notification{EscrowID: e.id, evt: evt})
	}
}

func (e *Engine) commitAndPublish(next *state, evts []*types.Event) error {
	stamped, err := e.commit(next, evts)
	if err != nil {
		return err
	}
	e.publish(stamped)
	return nil
}

func (e *Engine) fundingDeadline() int64 {
	return e.state.createdAt + seconds(e.cfg.FundingPeriod)
}

func (e *Engine) confirmationDeadline() int64 {
	return e.state.fundedAt + seconds(e.cfg.ConfirmationPeriod)
}

func (e *Engine) disputeDeadline() int64 {
	return e.state.disputeStartedAt + seconds(e.cfg.DisputePeriod)
}

func (e *Engine) requiredAsset(asset [20]byte) (RequiredAsset, bool) {
	for _, required := range e.cfg.Assets {
		if required.Asset == asset {
			return required, true
		}
	}
	return RequiredAsset{}, false
}

func phaseError(op string, want []Phase, got Phase) error {
	return fmt.Errorf("%w: %s requires %v, instance is %s", ErrInvalidPhase, op, want, got)
}

func transition(next *state, to Phase, caller [20]byte) *types.Event {
	evt := NewPhaseChangedEvent(next.phase, to)
	evt.Attributes["caller"] = crypto.FormatAddress(caller)
	next.phase = to
	return evt
}

// Deposit pulls amount of asset from depositor into the instance. Reaching
// every required amount moves the instance to PhaseAwaitingConfirmation.
func (e *Engine) Deposit(depositor, asset [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.phase != PhaseInit {
		return phaseError("deposit", []Phase{PhaseInit}, e.state.phase)
	}
	now := e.now()
	if now > e.fundingDeadline() {
		return ErrDeadlineExpired
	}
	if _, ok := e.requiredAsset(asset); !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotRequired, crypto.FormatAsset(asset))
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	amt := cloneBigInt(amount)
	if err := e.transfer.TransferIn(depositor, asset, amt); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	next := e.state.clone()
	next.recordDeposit(depositor, asset, amt)
	evts := []*types.Event{NewFundsDepositedEvent(depositor, asset, amt)}
	if next.phase == PhaseInit && next.funded(e.cfg) {
		next.fundedAt = now
		evts = append(evts, transition(next, PhaseAwaitingConfirmation, depositor))
	}
	if err := e.commitAndPublish(next, evts); err != nil {
		if refundErr := e.transfer.TransferOut(depositor, asset, amt); refundErr != nil {
			return errors.Join(err, fmt.Errorf("%w: returning deposit: %w", ErrTransferFailed, refundErr))
		}
		return err
	}
	return nil
}

// Confirm records the participant's approval and settles to the recipients
// once the confirmed weight reaches the threshold.
func (e *Engine) Confirm(participant [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.phase != PhaseAwaitingConfirmation {
		return phaseError("confirm", []Phase{PhaseAwaitingConfirmation}, e.state.phase)
	}
	share := e.shares[participant]
	if share == 0 {
		return ErrNotParticipant
	}
	if e.state.confirmed[participant] {
		return ErrAlreadyConfirmed
	}

	next := e.state.clone()
	next.confirmed[participant] = true
	next.confirmOrder = append(next.confirmOrder, participant)
	next.confirmationsWeight += share
	evts := []*types.Event{NewParticipantConfirmedEvent(participant, share)}
	if confirmedPercent(next.confirmationsWeight, e.total) >= uint64(e.cfg.ConfirmationsThreshold) {
		settled, err := e.settleToRecipients(next, participant)
		if err != nil {
			return err
		}
		evts = append(evts, settled...)
	}
	return e.commitAndPublish(next, evts)
}

// RaiseDispute moves an unconfirmed instance into PhaseDispute once the
// confirmation window has elapsed. Any caller may raise it.
func (e *Engine) RaiseDispute(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.phase != PhaseAwaitingConfirmation {
		return phaseError("raise dispute", []Phase{PhaseAwaitingConfirmation}, e.state.phase)
	}
	now := e.now()
	if now <= e.confirmationDeadline() {
		return fmt.Errorf("%w: confirmation window open until %d", ErrTooEarly, e.confirmationDeadline())
	}
	next := e.state.clone()
	next.disputeRaised = true
	next.disputeStartedAt = now
	evts := []*types.Event{
		NewDisputeRaisedEvent(caller),
		transition(next, PhaseDispute, caller),
	}
	return e.commitAndPublish(next, evts)
}

// ResolveDisputeToRecipients lets the mediator release the funds to the
// recipients while the dispute window is open.
func (e *Engine) ResolveDisputeToRecipients(mediator [20]byte) error {
	return e.resolve(mediator, OutcomeRelease)
}

// ResolveDisputeRefundAll lets the mediator return every deposit to its
// depositor while the dispute window is open.
func (e *Engine) ResolveDisputeRefundAll(mediator [20]byte) error {
	return e.resolve(mediator, OutcomeRefund)
}

func (e *Engine) resolve(mediator [20]byte, outcome string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mediator != e.cfg.Mediator {
		return ErrNotMediator
	}
	if e.state.phase != PhaseDispute {
		return phaseError("resolve dispute", []Phase{PhaseDispute}, e.state.phase)
	}
	if e.now() > e.disputeDeadline() {
		return fmt.Errorf("%w: window closed at %d", ErrDisputeExpired, e.disputeDeadline())
	}

	next := e.state.clone()
	evts := []*types.Event{NewDisputeResolvedEvent(mediator, outcome)}
	var (
		settled []*types.Event
		err     error
	)
	switch outcome {
	case OutcomeRelease:
		settled, err = e.settleToRecipients(next, mediator)
	case OutcomeRefund:
		settled, err = e.settleRefund(next, mediator)
	default:
		err = fmt.Errorf("escrow: unknown resolution outcome %q", outcome)
	}
	if err != nil {
		return err
	}
	return e.commitAndPublish(next, append(evts, settled...))
}

// ForceRefund refunds every depositor once the deadline of the current phase
// has passed. Any caller may trigger it.
func (e *Engine) ForceRefund(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline, ok := e.refundDeadline()
	if !ok {
		return fmt.Errorf("%w: instance is %s", ErrRefundNotAllowed, e.state.phase)
	}
	if e.now() <= deadline {
		return fmt.Errorf("%w: %s window open until %d", ErrTooEarly, e.state.phase, deadline)
	}
	next := e.state.clone()
	evts, err := e.settleRefund(next, caller)
	if err != nil {
		return err
	}
	return e.commitAndPublish(next, evts)
}

// refundDeadline reports the deadline that must elapse before ForceRefund is
// accepted in the current phase.
func (e *Engine) refundDeadline() (int64, bool) {
	switch e.state.phase {
	case PhaseInit:
		return e.fundingDeadline(), true
	case PhaseAwaitingConfirmation:
		return e.confirmationDeadline(), true
	case PhaseDispute:
		return e.disputeDeadline(), true
	default:
		return 0, false
	}
}

// RefundDue reports whether ForceRefund would currently be accepted.
func (e *Engine) RefundDue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	deadline, ok := e.refundDeadline()
	return ok && e.now() > deadline
}

// Withdraw pays out the caller's balance of asset. The ledger entry is zeroed
// and persisted before the transfer; a failed transfer restores it so the
// beneficiary can retry.
func (e *Engine) Withdraw(caller, asset [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.phase.Terminal() {
		return nil, phaseError("withdraw", []Phase{PhaseResolved, PhaseRefunded}, e.state.phase)
	}
	key := ledgerKey{account: caller, asset: asset}
	amount := ledgerAmount(e.state.withdrawable, caller, asset)
	if amount.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}

	sequence := e.state.sequence
	next := e.state.clone()
	next.withdrawable[key] = big.NewInt(0)
	stamped, err := e.commit(next, []*types.Event{NewFundsWithdrawnEvent(caller, asset, amount)})
	if err != nil {
		return nil, err
	}

	if err := e.transfer.TransferOut(caller, asset, cloneBigInt(amount)); err != nil {
		transferErr := fmt.Errorf("%w: %w", ErrTransferFailed, err)
		// The withdrawn notification is never published, so its sequence is
		// handed back.
		restored := e.state.clone()
		restored.sequence = sequence
		restored.credit(caller, asset, amount)
		if _, persistErr := e.commit(restored, nil); persistErr != nil {
			e.state = restored
			return nil, errors.Join(transferErr, persistErr)
		}
		return nil, transferErr
	}
	e.publish(stamped)
	return amount, nil
}

// ID returns the instance identifier.
func (e *Engine) ID() [32]byte { return e.id }

// Config returns a copy of the immutable configuration.
func (e *Engine) Config() Config { return e.cfg.Clone() }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.phase
}

// Mediator returns the configured mediator.
func (e *Engine) Mediator() [20]byte { return e.cfg.Mediator }

// ShareOf returns the participant weight of identity, zero when unregistered.
func (e *Engine) ShareOf(identity [20]byte) uint64 { return e.shares[identity] }

// RecipientShareOf returns the basis-point share of identity.
func (e *Engine) RecipientShareOf(identity [20]byte) uint32 {
	for _, r := range e.cfg.Recipients {
		if r.Identity == identity {
			return r.ShareBps
		}
	}
	return 0
}

// TotalParticipantShare returns the sum of all participant weights.
func (e *Engine) TotalParticipantShare() uint64 { return e.total }

// ParticipantCount returns the number of participants.
func (e *Engine) ParticipantCount() int { return len(e.cfg.Participants) }

// RecipientCount returns the number of recipients.
func (e *Engine) RecipientCount() int { return len(e.cfg.Recipients) }

// AssetCount returns the number of required assets.
func (e *Engine) AssetCount() int { return len(e.cfg.Assets) }

// RequiredAmount returns the target amount of asset, zero when not required.
func (e *Engine) RequiredAmount(asset [20]byte) *big.Int {
	required, ok := e.requiredAsset(asset)
	if !ok {
		return big.NewInt(0)
	}
	return cloneBigInt(required.Amount)
}

// DepositedAmount returns the total deposited for asset.
func (e *Engine) DepositedAmount(asset [20]byte) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBigInt(e.state.deposited[asset])
}

// DepositOf returns the deposit ledger entry of (identity, asset).
func (e *Engine) DepositOf(identity, asset [20]byte) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledgerAmount(e.state.deposits, identity, asset)
}

// WithdrawableOf returns the withdrawal ledger entry of (identity, asset).
func (e *Engine) WithdrawableOf(identity, asset [20]byte) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledgerAmount(e.state.withdrawable, identity, asset)
}

// IsConfirmed reports whether participant has confirmed.
func (e *Engine) IsConfirmed(participant [20]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.confirmed[participant]
}

// ConfirmationsWeight returns the cumulative confirmed weight.
func (e *Engine) ConfirmationsWeight() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.confirmationsWeight
}

// ConfirmedPercent returns the confirmed weight in basis points of the total,
// truncated.
func (e *Engine) ConfirmedPercent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return confirmedPercent(e.state.confirmationsWeight, e.total)
}

// Deadlines returns the phase windows of the instance.
func (e *Engine) Deadlines() Deadlines {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Deadlines{
		Funding:      Deadline{At: e.fundingDeadline(), Applicable: true},
		Confirmation: Deadline{At: e.confirmationDeadline(), Applicable: e.state.fundedAt != 0},
		Dispute:      Deadline{At: e.disputeDeadline(), Applicable: e.state.disputeRaised},
	}
}

// Snapshot returns a read-only copy of the configuration and ledgers.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(e.id, e.cfg)
}

func confirmedPercent(weight, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	pct := new(big.Int).SetUint64(weight)
	pct.Mul(pct, big.NewInt(BasisPoints))
	pct.Quo(pct, new(big.Int).SetUint64(total))
	return pct.Uint64()
}
