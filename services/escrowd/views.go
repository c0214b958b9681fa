package escrowd

import (
	"encoding/hex"
	"math/big"

	"quorumescrow/crypto"
	"quorumescrow/native/bank"
	"quorumescrow/native/escrow"
)

// DeadlineView is the JSON form of escrow.Deadline.
type DeadlineView struct {
	At         int64 `json:"at"`
	Applicable bool  `json:"applicable"`
}

// DeadlinesView groups the three phase windows.
type DeadlinesView struct {
	Funding      DeadlineView `json:"funding"`
	Confirmation DeadlineView `json:"confirmation"`
	Dispute      DeadlineView `json:"dispute"`
}

type ParticipantView struct {
	Identity  string `json:"identity"`
	Share     uint64 `json:"share"`
	Confirmed bool   `json:"confirmed"`
}

type RecipientView struct {
	Identity string `json:"identity"`
	ShareBps uint32 `json:"shareBps"`
}

type AssetView struct {
	Asset       string `json:"asset"`
	Required    string `json:"required"`
	Deposited   string `json:"deposited"`
	Unallocated string `json:"unallocated"`
}

type LedgerEntryView struct {
	Identity string `json:"identity"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

// EscrowView is the API representation of an instance.
type EscrowView struct {
	ID                     string            `json:"id"`
	Phase                  string            `json:"phase"`
	Mediator               string            `json:"mediator"`
	Participants           []ParticipantView `json:"participants"`
	Recipients             []RecipientView   `json:"recipients"`
	Assets                 []AssetView       `json:"assets"`
	ConfirmationsThreshold uint32            `json:"confirmationsThreshold"`
	ConfirmationsWeight    uint64            `json:"confirmationsWeight"`
	ConfirmedPercent       uint64            `json:"confirmedPercent"`
	CreatedAt              int64             `json:"createdAt"`
	FundedAt               int64             `json:"fundedAt,omitempty"`
	Deadlines              DeadlinesView     `json:"deadlines"`
	Deposits               []LedgerEntryView `json:"deposits"`
	Withdrawable           []LedgerEntryView `json:"withdrawable"`
	Sequence               uint64            `json:"sequence"`
	Digest                 string            `json:"digest"`
}

// SummaryView lists an instance and its phase.
type SummaryView struct {
	ID    string `json:"id"`
	Phase string `json:"phase"`
}

// EventView is the API representation of a notification.
type EventView struct {
	Escrow     string            `json:"escrow"`
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	Time       int64             `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

type BalanceView struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AccountView struct {
	Account  string        `json:"account"`
	Balances []BalanceView `json:"balances"`
}

// newEscrowView renders snap; unallocated reports the undistributed amount of
// each asset.
func newEscrowView(snap *escrow.Snapshot, digest [32]byte, unallocated func([20]byte) *big.Int) EscrowView {
	confirmed := make(map[[20]byte]bool, len(snap.Confirmed))
	for _, identity := range snap.Confirmed {
		confirmed[identity] = true
	}
	view := EscrowView{
		ID:                     crypto.FormatID(snap.ID),
		Phase:                  snap.Phase.String(),
		Mediator:               crypto.FormatAddress(snap.Config.Mediator),
		ConfirmationsThreshold: snap.Config.ConfirmationsThreshold,
		ConfirmationsWeight:    snap.ConfirmationsWeight,
		ConfirmedPercent:       snap.ConfirmedPercent(),
		CreatedAt:              snap.CreatedAt,
		FundedAt:               snap.FundedAt,
		Deposits:               ledgerViews(snap.Deposits),
		Withdrawable:           ledgerViews(snap.Withdrawable),
		Sequence:               snap.Sequence,
		Digest:                 hex.EncodeToString(digest[:]),
	}
	for _, p := range snap.Config.Participants {
		view.Participants = append(view.Participants, ParticipantView{
			Identity:  crypto.FormatAddress(p.Identity),
			Share:     p.Share,
			Confirmed: confirmed[p.Identity],
		})
	}
	for _, r := range snap.Config.Recipients {
		view.Recipients = append(view.Recipients, RecipientView{
			Identity: crypto.FormatAddress(r.Identity),
			ShareBps: r.ShareBps,
		})
	}
	for _, a := range snap.Assets {
		rest := a.Deposited
		if unallocated != nil {
			rest = unallocated(a.Asset)
		}
		view.Assets = append(view.Assets, AssetView{
			Asset:       crypto.FormatAsset(a.Asset),
			Required:    a.Required.String(),
			Deposited:   a.Deposited.String(),
			Unallocated: rest.String(),
		})
	}
	d := snap.Deadlines()
	view.Deadlines = DeadlinesView{
		Funding:      DeadlineView(d.Funding),
		Confirmation: DeadlineView(d.Confirmation),
		Dispute:      DeadlineView(d.Dispute),
	}
	return view
}

func ledgerViews(entries []escrow.LedgerEntry) []LedgerEntryView {
	out := make([]LedgerEntryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, LedgerEntryView{
			Identity: crypto.FormatAddress(entry.Identity),
			Asset:    crypto.FormatAsset(entry.Asset),
			Amount:   entry.Amount.String(),
		})
	}
	return out
}

func eventViewFromEntry(entry JournalEntry) EventView {
	return EventView{
		Escrow:     entry.EscrowID,
		Type:       entry.Type,
		Sequence:   entry.Sequence,
		Time:       entry.Time,
		Attributes: entry.Attrs(),
	}
}

func eventViewFromNotification(n escrow.Notification) EventView {
	evt := n.Event()
	return EventView{
		Escrow:     crypto.FormatID(n.EscrowID),
		Type:       evt.Type,
		Sequence:   evt.Sequence,
		Time:       evt.Time,
		Attributes: evt.Clone().Attributes,
	}
}

func newAccountView(account [20]byte, balances []bank.Balance) AccountView {
	view := AccountView{Account: crypto.FormatAddress(account), Balances: make([]BalanceView, 0, len(balances))}
	for _, b := range balances {
		view.Balances = append(view.Balances, BalanceView{Asset: crypto.FormatAsset(b.Asset), Amount: b.Amount.String()})
	}
	return view
}
