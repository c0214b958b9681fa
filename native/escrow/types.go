package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// BasisPoints is the denominator for recipient shares and the confirmation
// threshold.
const BasisPoints = 10_000

// NativeAsset is the reserved identifier of the native currency.
var NativeAsset = [20]byte{}

// Phase represents the lifecycle states of an escrow instance.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseAwaitingConfirmation
	PhaseResolved
	PhaseDispute
	PhaseRefunded
)

var phaseNames = [...]string{
	PhaseInit:                 "INIT",
	PhaseAwaitingConfirmation: "AWAITING_CONFIRMATION",
	PhaseResolved:             "RESOLVED",
	PhaseDispute:              "DISPUTE",
	PhaseRefunded:             "REFUNDED",
}

// Phases lists every phase in declaration order.
func Phases() []Phase {
	return []Phase{PhaseInit, PhaseAwaitingConfirmation, PhaseResolved, PhaseDispute, PhaseRefunded}
}

// Valid reports whether the phase value is within the supported range.
func (p Phase) Valid() bool { return int(p) < len(phaseNames) }

// Terminal reports whether no further transition can leave the phase.
func (p Phase) Terminal() bool { return p == PhaseResolved || p == PhaseRefunded }

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("escrow: invalid phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase accepts the canonical upper-case names case-insensitively.
func ParsePhase(raw string) (Phase, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for i, name := range phaseNames {
		if name == normalized {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown phase %q", raw)
}

// ParticipantShare assigns a relative confirmation weight to a contributor.
type ParticipantShare struct {
	Identity [20]byte
	Share    uint64
}

// RecipientShare assigns a basis-point share of settled funds to a
// beneficiary.
type RecipientShare struct {
	Identity [20]byte
	ShareBps uint32
}

// RequiredAsset is an asset the instance must collect before confirmation
// opens.
type RequiredAsset struct {
	Asset  [20]byte
	Amount *big.Int
}

// Config is the immutable configuration of an escrow instance.
type Config struct {
	Mediator               [20]byte
	Participants           []ParticipantShare
	Recipients             []RecipientShare
	Assets                 []RequiredAsset
	ConfirmationsThreshold uint32
	FundingPeriod          time.Duration
	ConfirmationPeriod     time.Duration
	DisputePeriod          time.Duration
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	clone.Participants = append([]ParticipantShare(nil), c.Participants...)
	clone.Recipients = append([]RecipientShare(nil), c.Recipients...)
	clone.Assets = make([]RequiredAsset, len(c.Assets))
	for i, asset := range c.Assets {
		clone.Assets[i] = RequiredAsset{Asset: asset.Asset, Amount: cloneBigInt(asset.Amount)}
	}
	return clone
}

// AssetState reports the funding progress of a required asset.
type AssetState struct {
	Asset     [20]byte
	Required  *big.Int
	Deposited *big.Int
}

// LedgerEntry is a single (identity, asset) balance of the deposit or
// withdrawal ledger.
type LedgerEntry struct {
	Identity [20]byte
	Asset    [20]byte
	Amount   *big.Int
}

// Deadline describes one of the phase windows of an instance. Applicable is
// false while the window has not started (e.g. the dispute window before a
// dispute is raised).
type Deadline struct {
	At         int64
	Applicable bool
}

// Deadlines groups the three time windows of an instance.
type Deadlines struct {
	Funding      Deadline
	Confirmation Deadline
	Dispute      Deadline
}

// Snapshot is a read-only aggregate of an instance's configuration and
// current ledgers.
type Snapshot struct {
	ID                  [32]byte
	Config              Config
	Phase               Phase
	CreatedAt           int64
	FundedAt            int64
	DisputeStartedAt    int64
	DisputeRaised       bool
	ConfirmationsWeight uint64
	Confirmed           [][20]byte
	Assets              []AssetState
	Depositors          [][20]byte
	Deposits            []LedgerEntry
	Withdrawable        []LedgerEntry
	Sequence            uint64
}

// Deadlines computes the phase windows recorded in the snapshot.
func (s *Snapshot) Deadlines() Deadlines {
	return Deadlines{
		Funding:      Deadline{At: s.CreatedAt + seconds(s.Config.FundingPeriod), Applicable: true},
		Confirmation: Deadline{At: s.FundedAt + seconds(s.Config.ConfirmationPeriod), Applicable: s.FundedAt != 0},
		Dispute:      Deadline{At: s.DisputeStartedAt + seconds(s.Config.DisputePeriod), Applicable: s.DisputeRaised},
	}
}

// ConfirmedPercent returns the confirmed weight in basis points of the total
// participant share.
func (s *Snapshot) ConfirmedPercent() uint64 {
	var total uint64
	for _, p := range s.Config.Participants {
		total += p.Share
	}
	return confirmedPercent(s.ConfirmationsWeight, total)
}

// Involves reports whether identity is the mediator, a participant or a
// recipient of the instance.
func (s *Snapshot) Involves(identity [20]byte) bool {
	if s.Config.Mediator == identity {
		return true
	}
	for _, p := range s.Config.Participants {
		if p.Identity == identity {
			return true
		}
	}
	for _, r := range s.Config.Recipients {
		if r.Identity == identity {
			return true
		}
	}
	return false
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
