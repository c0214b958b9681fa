package escrow

import "errors"

// Precondition violations.
var (
	ErrInvalidPhase      = errors.New("escrow: operation not allowed in current phase")
	ErrAssetNotRequired  = errors.New("escrow: asset not required")
	ErrZeroAmount        = errors.New("escrow: amount must be positive")
	ErrNotParticipant    = errors.New("escrow: caller is not a participant")
	ErrAlreadyConfirmed  = errors.New("escrow: participant already confirmed")
	ErrNotMediator       = errors.New("escrow: caller is not the mediator")
	ErrRefundNotAllowed  = errors.New("escrow: refund not allowed in current phase")
	ErrNothingToWithdraw = errors.New("escrow: nothing to withdraw")
	ErrEscrowNotFound    = errors.New("escrow: instance not found")
	ErrEscrowExists      = errors.New("escrow: instance already exists")
)

// Deadline violations.
var (
	ErrDeadlineExpired = errors.New("escrow: funding deadline expired")
	ErrTooEarly        = errors.New("escrow: deadline not reached")
	ErrDisputeExpired  = errors.New("escrow: dispute window expired")
)

// Collaborator failures.
var (
	ErrTransferFailed = errors.New("escrow: asset transfer failed")
	ErrPersistFailed  = errors.New("escrow: snapshot persistence failed")
)

// ErrInvalidConfig marks configuration violations detected at construction.
var ErrInvalidConfig = errors.New("escrow: invalid configuration")

// Kind classifies an error into one of the four rejection families.
type Kind string

const (
	KindUnknown       Kind = ""
	KindPrecondition  Kind = "precondition"
	KindDeadline      Kind = "deadline"
	KindCollaborator  Kind = "collaborator"
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
)

// KindOf reports the family of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrEscrowNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidConfig):
		return KindConfiguration
	case errors.Is(err, ErrTransferFailed), errors.Is(err, ErrPersistFailed):
		return KindCollaborator
	case errors.Is(err, ErrDeadlineExpired), errors.Is(err, ErrTooEarly), errors.Is(err, ErrDisputeExpired):
		return KindDeadline
	case errors.Is(err, ErrInvalidPhase), errors.Is(err, ErrAssetNotRequired), errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrNotParticipant), errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrNotMediator),
		errors.Is(err, ErrRefundNotAllowed), errors.Is(err, ErrNothingToWithdraw), errors.Is(err, ErrEscrowExists):
		return KindPrecondition
	default:
		return KindUnknown
	}
}
