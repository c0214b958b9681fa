package escrow

import (
	"math/big"

	"quorumescrow/core/types"
)

// settleToRecipients resolves next and credits each recipient its basis-point
// share of every deposited asset. The truncation remainder stays unallocated.
func (e *Engine) settleToRecipients(next *state, caller [20]byte) ([]*types.Event, error) {
	if next.phase != PhaseAwaitingConfirmation && next.phase != PhaseDispute {
		return nil, phaseError("settle", []Phase{PhaseAwaitingConfirmation, PhaseDispute}, next.phase)
	}
	evts := []*types.Event{transition(next, PhaseResolved, caller)}
	for _, asset := range e.cfg.Assets {
		deposited := cloneBigInt(next.deposited[asset.Asset])
		for _, recipient := range e.cfg.Recipients {
			allocation := allocate(deposited, recipient.ShareBps)
			next.credit(recipient.Identity, asset.Asset, allocation)
			evts = append(evts, NewFundsAllocatedEvent(recipient.Identity, asset.Asset, allocation))
		}
	}
	return evts, nil
}

// settleRefund moves every non-zero deposit ledger entry back to its
// depositor's withdrawal ledger and drains the deposited totals.
func (e *Engine) settleRefund(next *state, caller [20]byte) ([]*types.Event, error) {
	if next.phase.Terminal() {
		return nil, ErrRefundNotAllowed
	}
	evts := []*types.Event{transition(next, PhaseRefunded, caller)}
	for _, depositor := range next.depositors {
		for _, asset := range e.cfg.Assets {
			key := ledgerKey{account: depositor, asset: asset.Asset}
			amount := ledgerAmount(next.deposits, depositor, asset.Asset)
			if amount.Sign() == 0 {
				continue
			}
			next.deposits[key] = big.NewInt(0)
			next.credit(depositor, asset.Asset, amount)
			evts = append(evts, NewFundsAllocatedEvent(depositor, asset.Asset, amount))
		}
	}
	for asset := range next.deposited {
		next.deposited[asset] = big.NewInt(0)
	}
	return evts, nil
}

func allocate(deposited *big.Int, shareBps uint32) *big.Int {
	out := new(big.Int).Mul(deposited, new(big.Int).SetUint64(uint64(shareBps)))
	return out.Quo(out, big.NewInt(BasisPoints))
}

// Unallocated returns the amount of asset held by the instance that is not
// assigned to any withdrawal ledger entry. After a release this is the
// rounding remainder.
func (e *Engine) Unallocated(asset [20]byte) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	deposited := cloneBigInt(e.state.deposited[asset])
	switch e.state.phase {
	case PhaseRefunded:
		return big.NewInt(0)
	case PhaseResolved:
		remainder := new(big.Int).Set(deposited)
		for _, recipient := range e.cfg.Recipients {
			remainder.Sub(remainder, allocate(deposited, recipient.ShareBps))
		}
		return remainder
	default:
		return deposited
	}
}
