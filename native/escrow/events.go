package escrow

import (
	"math/big"
	"strconv"

	"quorumescrow/core/types"
	"quorumescrow/crypto"
)

const (
	EventTypeCreated              = "escrow.created"
	EventTypePhaseChanged         = "escrow.phase_changed"
	EventTypeFundsDeposited       = "escrow.funds_deposited"
	EventTypeParticipantConfirmed = "escrow.participant_confirmed"
	EventTypeDisputeRaised        = "escrow.dispute_raised"
	EventTypeDisputeResolved      = "escrow.dispute_resolved"
	EventTypeFundsAllocated       = "escrow.funds_allocated"
	EventTypeFundsWithdrawn       = "escrow.funds_withdrawn"
)

// Resolution outcomes carried by dispute-resolved notifications.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// Notification is the event type emitted by engines and registries. The escrow
// identifier is always present under the "escrow" attribute.
type Notification struct {
	EscrowID [32]byte
	evt      *types.Event
}

// EventType implements events.Event.
func (n Notification) EventType() string {
	if n.evt == nil {
		return ""
	}
	return n.evt.Type
}

// Event implements events.Payload.
func (n Notification) Event() *types.Event { return n.evt }

func newEvent(eventType string, attrs map[string]string) *types.Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewCreatedEvent is emitted by the registry when an instance is instantiated.
func NewCreatedEvent(creator [20]byte, cfg Config) *types.Event {
	return newEvent(EventTypeCreated, map[string]string{
		"creator":      crypto.FormatAddress(creator),
		"mediator":     crypto.FormatAddress(cfg.Mediator),
		"participants": strconv.Itoa(len(cfg.Participants)),
		"recipients":   strconv.Itoa(len(cfg.Recipients)),
		"assets":       strconv.Itoa(len(cfg.Assets)),
	})
}

// NewPhaseChangedEvent records a state-machine transition.
func NewPhaseChangedEvent(from, to Phase) *types.Event {
	return newEvent(EventTypePhaseChanged, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
}

// NewFundsDepositedEvent records a successful deposit.
func NewFundsDepositedEvent(depositor, asset [20]byte, amount *big.Int) *types.Event {
	return newEvent(EventTypeFundsDeposited, map[string]string{
		"depositor": crypto.FormatAddress(depositor),
		"asset":     crypto.FormatAsset(asset),
		"amount":    cloneBigInt(amount).String(),
	})
}

// NewParticipantConfirmedEvent records a participant confirmation.
func NewParticipantConfirmedEvent(participant [20]byte, weight uint64) *types.Event {
	return newEvent(EventTypeParticipantConfirmed, map[string]string{
		"participant": crypto.FormatAddress(participant),
		"weight":      strconv.FormatUint(weight, 10),
	})
}

// NewDisputeRaisedEvent records the caller that opened a dispute.
func NewDisputeRaisedEvent(caller [20]byte) *types.Event {
	return newEvent(EventTypeDisputeRaised, map[string]string{
		"caller": crypto.FormatAddress(caller),
	})
}

// NewDisputeResolvedEvent records the mediator decision.
func NewDisputeResolvedEvent(mediator [20]byte, outcome string) *types.Event {
	return newEvent(EventTypeDisputeResolved, map[string]string{
		"mediator": crypto.FormatAddress(mediator),
		"outcome":  outcome,
	})
}

// NewFundsAllocatedEvent records a credit to the withdrawal ledger.
func NewFundsAllocatedEvent(beneficiary, asset [20]byte, amount *big.Int) *types.Event {
	return newEvent(EventTypeFundsAllocated, map[string]string{
		"beneficiary": crypto.FormatAddress(beneficiary),
		"asset":       crypto.FormatAsset(asset),
		"amount":      cloneBigInt(amount).String(),
	})
}

// NewFundsWithdrawnEvent records a completed pull payment.
func NewFundsWithdrawnEvent(beneficiary, asset [20]byte, amount *big.Int) *types.Event {
	return newEvent(EventTypeFundsWithdrawn, map[string]string{
		"beneficiary": crypto.FormatAddress(beneficiary),
		"asset":       crypto.FormatAsset(asset),
		"amount":      cloneBigInt(amount).String(),
	})
}
