package escrow

import (
	"fmt"
	"math"
	"time"
)

// Validate checks the configuration invariants enforced at construction.
func (c Config) Validate() error {
	if c.Mediator == ([20]byte{}) {
		return fmt.Errorf("%w: mediator required", ErrInvalidConfig)
	}
	if len(c.Participants) == 0 {
		return fmt.Errorf("%w: at least one participant required", ErrInvalidConfig)
	}
	seen := make(map[[20]byte]struct{}, len(c.Participants))
	var total uint64
	for i, p := range c.Participants {
		if p.Identity == ([20]byte{}) {
			return fmt.Errorf("%w: participant %d has empty identity", ErrInvalidConfig, i)
		}
		if p.Share == 0 {
			return fmt.Errorf("%w: participant %d share must be positive", ErrInvalidConfig, i)
		}
		if _, dup := seen[p.Identity]; dup {
			return fmt.Errorf("%w: duplicate participant %d", ErrInvalidConfig, i)
		}
		seen[p.Identity] = struct{}{}
		if p.Share > math.MaxUint64-total {
			return fmt.Errorf("%w: participant shares overflow", ErrInvalidConfig)
		}
		total += p.Share
	}

	if len(c.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient required", ErrInvalidConfig)
	}
	seen = make(map[[20]byte]struct{}, len(c.Recipients))
	var bps uint64
	for i, r := range c.Recipients {
		if r.Identity == ([20]byte{}) {
			return fmt.Errorf("%w: recipient %d has empty identity", ErrInvalidConfig, i)
		}
		if r.ShareBps == 0 {
			return fmt.Errorf("%w: recipient %d share must be positive", ErrInvalidConfig, i)
		}
		if _, dup := seen[r.Identity]; dup {
			return fmt.Errorf("%w: duplicate recipient %d", ErrInvalidConfig, i)
		}
		seen[r.Identity] = struct{}{}
		bps += uint64(r.ShareBps)
	}
	if bps != BasisPoints {
		return fmt.Errorf("%w: recipient shares sum to %d, want %d", ErrInvalidConfig, bps, BasisPoints)
	}

	if len(c.Assets) == 0 {
		return fmt.Errorf("%w: at least one required asset", ErrInvalidConfig)
	}
	assets := make(map[[20]byte]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		if a.Amount == nil || a.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: asset %d required amount must be positive", ErrInvalidConfig, i)
		}
		if _, dup := assets[a.Asset]; dup {
			return fmt.Errorf("%w: duplicate asset %d", ErrInvalidConfig, i)
		}
		assets[a.Asset] = struct{}{}
	}

	if c.ConfirmationsThreshold > BasisPoints {
		return fmt.Errorf("%w: confirmation threshold %d exceeds %d", ErrInvalidConfig, c.ConfirmationsThreshold, BasisPoints)
	}
	periods := []struct {
		name string
		d    time.Duration
	}{
		{"funding", c.FundingPeriod},
		{"confirmation", c.ConfirmationPeriod},
		{"dispute", c.DisputePeriod},
	}
	for _, p := range periods {
		if p.d < time.Second {
			return fmt.Errorf("%w: %s period must be at least one second", ErrInvalidConfig, p.name)
		}
		if p.d%time.Second != 0 {
			return fmt.Errorf("%w: %s period %s is not a whole number of seconds", ErrInvalidConfig, p.name, p.d)
		}
	}
	return nil
}

// TotalShare returns the sum of participant shares. Callers must validate the
// configuration first.
func (c Config) TotalShare() uint64 {
	var total uint64
	for _, p := range c.Participants {
		total += p.Share
	}
	return total
}
