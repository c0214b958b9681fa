package escrow

import (
	"fmt"
	"math/big"
)

type ledgerKey struct {
	account [20]byte
	asset   [20]byte
}

// state holds the mutable portion of an instance. Every mutating operation
// works on a clone and swaps it in only after the snapshot was persisted.
type state struct {
	phase               Phase
	createdAt           int64
	fundedAt            int64
	disputeStartedAt    int64
	disputeRaised       bool
	confirmationsWeight uint64
	confirmed           map[[20]byte]bool
	confirmOrder        [][20]byte
	deposited           map[[20]byte]*big.Int
	depositors          [][20]byte
	deposits            map[ledgerKey]*big.Int
	beneficiaries       [][20]byte
	withdrawable        map[ledgerKey]*big.Int
	sequence            uint64
}

func newState(createdAt int64, cfg Config) *state {
	st := &state{
		phase:        PhaseInit,
		createdAt:    createdAt,
		confirmed:    make(map[[20]byte]bool),
		deposited:    make(map[[20]byte]*big.Int, len(cfg.Assets)),
		deposits:     make(map[ledgerKey]*big.Int),
		withdrawable: make(map[ledgerKey]*big.Int),
	}
	for _, asset := range cfg.Assets {
		st.deposited[asset.Asset] = big.NewInt(0)
	}
	return st
}

func (s *state) clone() *state {
	next := *s
	next.confirmed = make(map[[20]byte]bool, len(s.confirmed))
	for k, v := range s.confirmed {
		next.confirmed[k] = v
	}
	next.confirmOrder = append([][20]byte(nil), s.confirmOrder...)
	next.deposited = make(map[[20]byte]*big.Int, len(s.deposited))
	for k, v := range s.deposited {
		next.deposited[k] = cloneBigInt(v)
	}
	next.depositors = append([][20]byte(nil), s.depositors...)
	next.deposits = cloneLedger(s.deposits)
	next.beneficiaries = append([][20]byte(nil), s.beneficiaries...)
	next.withdrawable = cloneLedger(s.withdrawable)
	return &next
}

func cloneLedger(src map[ledgerKey]*big.Int) map[ledgerKey]*big.Int {
	out := make(map[ledgerKey]*big.Int, len(src))
	for k, v := range src {
		out[k] = cloneBigInt(v)
	}
	return out
}

func ledgerAmount(ledger map[ledgerKey]*big.Int, account, asset [20]byte) *big.Int {
	if v, ok := ledger[ledgerKey{account: account, asset: asset}]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (s *state) recordDeposit(depositor, asset [20]byte, amount *big.Int) {
	key := ledgerKey{account: depositor, asset: asset}
	if !s.isDepositor(depositor) {
		s.depositors = append(s.depositors, depositor)
	}
	current := ledgerAmount(s.deposits, depositor, asset)
	s.deposits[key] = current.Add(current, amount)
	total := cloneBigInt(s.deposited[asset])
	s.deposited[asset] = total.Add(total, amount)
}

func (s *state) isDepositor(identity [20]byte) bool {
	for _, d := range s.depositors {
		if d == identity {
			return true
		}
	}
	return false
}

func (s *state) credit(beneficiary, asset [20]byte, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	known := false
	for _, b := range s.beneficiaries {
		if b == beneficiary {
			known = true
			break
		}
	}
	if !known {
		s.beneficiaries = append(s.beneficiaries, beneficiary)
	}
	current := ledgerAmount(s.withdrawable, beneficiary, asset)
	s.withdrawable[ledgerKey{account: beneficiary, asset: asset}] = current.Add(current, amount)
}

// funded reports whether every required asset reached its target.
func (s *state) funded(cfg Config) bool {
	for _, asset := range cfg.Assets {
		deposited := s.deposited[asset.Asset]
		if deposited == nil || deposited.Cmp(asset.Amount) < 0 {
			return false
		}
	}
	return true
}

func (s *state) snapshot(id [32]byte, cfg Config) *Snapshot {
	snap := &Snapshot{
		ID:                  id,
		Config:              cfg.Clone(),
		Phase:               s.phase,
		CreatedAt:           s.createdAt,
		FundedAt:            s.fundedAt,
		DisputeStartedAt:    s.disputeStartedAt,
		DisputeRaised:       s.disputeRaised,
		ConfirmationsWeight: s.confirmationsWeight,
		Confirmed:           append([][20]byte(nil), s.confirmOrder...),
		Depositors:          append([][20]byte(nil), s.depositors...),
		Sequence:            s.sequence,
	}
	for _, asset := range cfg.Assets {
		snap.Assets = append(snap.Assets, AssetState{
			Asset:     asset.Asset,
			Required:  cloneBigInt(asset.Amount),
			Deposited: cloneBigInt(s.deposited[asset.Asset]),
		})
	}
	for _, depositor := range s.depositors {
		for _, asset := range cfg.Assets {
			amount := ledgerAmount(s.deposits, depositor, asset.Asset)
			if amount.Sign() == 0 {
				continue
			}
			snap.Deposits = append(snap.Deposits, LedgerEntry{Identity: depositor, Asset: asset.Asset, Amount: amount})
		}
	}
	for _, beneficiary := range s.beneficiaries {
		for _, asset := range cfg.Assets {
			amount := ledgerAmount(s.withdrawable, beneficiary, asset.Asset)
			if amount.Sign() == 0 {
				continue
			}
			snap.Withdrawable = append(snap.Withdrawable, LedgerEntry{Identity: beneficiary, Asset: asset.Asset, Amount: amount})
		}
	}
	return snap
}

// stateFromSnapshot rebuilds the mutable state recorded in snap. The
// configuration must already have been validated.
func stateFromSnapshot(snap *Snapshot) (*state, error) {
	if !snap.Phase.Valid() {
		return nil, fmt.Errorf("%w: snapshot phase %d", ErrInvalidConfig, uint8(snap.Phase))
	}
	st := newState(snap.CreatedAt, snap.Config)
	st.phase = snap.Phase
	st.fundedAt = snap.FundedAt
	st.disputeStartedAt = snap.DisputeStartedAt
	st.disputeRaised = snap.DisputeRaised
	st.sequence = snap.Sequence

	shares := make(map[[20]byte]uint64, len(snap.Config.Participants))
	for _, p := range snap.Config.Participants {
		shares[p.Identity] = p.Share
	}
	var weight uint64
	for _, identity := range snap.Confirmed {
		share, ok := shares[identity]
		if !ok {
			return nil, fmt.Errorf("%w: snapshot confirmation from non-participant", ErrInvalidConfig)
		}
		if st.confirmed[identity] {
			continue
		}
		st.confirmed[identity] = true
		st.confirmOrder = append(st.confirmOrder, identity)
		weight += share
	}
	if weight != snap.ConfirmationsWeight {
		return nil, fmt.Errorf("%w: snapshot confirmation weight %d does not match confirmed shares %d", ErrInvalidConfig, snap.ConfirmationsWeight, weight)
	}
	st.confirmationsWeight = weight

	for _, asset := range snap.Assets {
		if _, ok := st.deposited[asset.Asset]; !ok {
			return nil, fmt.Errorf("%w: snapshot asset not required", ErrInvalidConfig)
		}
		st.deposited[asset.Asset] = cloneBigInt(asset.Deposited)
	}
	st.depositors = append(st.depositors, snap.Depositors...)
	for _, entry := range snap.Deposits {
		st.deposits[ledgerKey{account: entry.Identity, asset: entry.Asset}] = cloneBigInt(entry.Amount)
	}
	for _, entry := range snap.Withdrawable {
		st.credit(entry.Identity, entry.Asset, entry.Amount)
	}
	return st, nil
}
