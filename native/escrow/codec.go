package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

type storedParticipant struct {
	Identity [20]byte
	Share    uint64
}

type storedRecipient struct {
	Identity [20]byte
	ShareBps uint32
}

type storedAsset struct {
	Asset     [20]byte
	Required  *big.Int
	Deposited *big.Int
}

type storedEntry struct {
	Identity [20]byte
	Asset    [20]byte
	Amount   *big.Int
}

type storedConfig struct {
	Mediator           [20]byte
	Participants       []storedParticipant
	Recipients         []storedRecipient
	Assets             []storedAsset
	Threshold          uint32
	FundingPeriod      uint64
	ConfirmationPeriod uint64
	DisputePeriod      uint64
}

type storedSnapshot struct {
	Version             uint8
	ID                  [32]byte
	Config              storedConfig
	Phase               uint8
	CreatedAt           uint64
	FundedAt            uint64
	DisputeStartedAt    uint64
	DisputeRaised       bool
	ConfirmationsWeight uint64
	Confirmed           [][20]byte
	Depositors          [][20]byte
	Deposits            []storedEntry
	Withdrawable        []storedEntry
	Sequence            uint64
}

const snapshotVersion = 1

func newStoredConfig(cfg Config, deposited map[[20]byte]*big.Int) storedConfig {
	out := storedConfig{
		Mediator:           cfg.Mediator,
		Threshold:          cfg.ConfirmationsThreshold,
		FundingPeriod:      uint64(seconds(cfg.FundingPeriod)),
		ConfirmationPeriod: uint64(seconds(cfg.ConfirmationPeriod)),
		DisputePeriod:      uint64(seconds(cfg.DisputePeriod)),
	}
	for _, p := range cfg.Participants {
		out.Participants = append(out.Participants, storedParticipant{Identity: p.Identity, Share: p.Share})
	}
	for _, r := range cfg.Recipients {
		out.Recipients = append(out.Recipients, storedRecipient{Identity: r.Identity, ShareBps: r.ShareBps})
	}
	for _, a := range cfg.Assets {
		out.Assets = append(out.Assets, storedAsset{
			Asset:     a.Asset,
			Required:  cloneBigInt(a.Amount),
			Deposited: cloneBigInt(deposited[a.Asset]),
		})
	}
	return out
}

func newStoredSnapshot(s *Snapshot) *storedSnapshot {
	deposited := make(map[[20]byte]*big.Int, len(s.Assets))
	for _, a := range s.Assets {
		deposited[a.Asset] = a.Deposited
	}
	out := &storedSnapshot{
		Version:             snapshotVersion,
		ID:                  s.ID,
		Config:              newStoredConfig(s.Config, deposited),
		Phase:               uint8(s.Phase),
		CreatedAt:           uint64(s.CreatedAt),
		FundedAt:            uint64(s.FundedAt),
		DisputeStartedAt:    uint64(s.DisputeStartedAt),
		DisputeRaised:       s.DisputeRaised,
		ConfirmationsWeight: s.ConfirmationsWeight,
		Confirmed:           append([][20]byte{}, s.Confirmed...),
		Depositors:          append([][20]byte{}, s.Depositors...),
		Sequence:            s.Sequence,
	}
	for _, e := range s.Deposits {
		out.Deposits = append(out.Deposits, storedEntry{Identity: e.Identity, Asset: e.Asset, Amount: cloneBigInt(e.Amount)})
	}
	for _, e := range s.Withdrawable {
		out.Withdrawable = append(out.Withdrawable, storedEntry{Identity: e.Identity, Asset: e.Asset, Amount: cloneBigInt(e.Amount)})
	}
	return out
}

func (s *storedSnapshot) toSnapshot() (*Snapshot, error) {
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("escrow: unsupported snapshot version %d", s.Version)
	}
	snap := &Snapshot{
		ID: s.ID,
		Config: Config{
			Mediator:               s.Config.Mediator,
			ConfirmationsThreshold: s.Config.Threshold,
			FundingPeriod:          time.Duration(s.Config.FundingPeriod) * time.Second,
			ConfirmationPeriod:     time.Duration(s.Config.ConfirmationPeriod) * time.Second,
			DisputePeriod:          time.Duration(s.Config.DisputePeriod) * time.Second,
		},
		Phase:               Phase(s.Phase),
		CreatedAt:           int64(s.CreatedAt),
		FundedAt:            int64(s.FundedAt),
		DisputeStartedAt:    int64(s.DisputeStartedAt),
		DisputeRaised:       s.DisputeRaised,
		ConfirmationsWeight: s.ConfirmationsWeight,
		Confirmed:           append([][20]byte(nil), s.Confirmed...),
		Depositors:          append([][20]byte(nil), s.Depositors...),
		Sequence:            s.Sequence,
	}
	if !snap.Phase.Valid() {
		return nil, fmt.Errorf("escrow: invalid snapshot phase %d", s.Phase)
	}
	for _, p := range s.Config.Participants {
		snap.Config.Participants = append(snap.Config.Participants, ParticipantShare{Identity: p.Identity, Share: p.Share})
	}
	for _, r := range s.Config.Recipients {
		snap.Config.Recipients = append(snap.Config.Recipients, RecipientShare{Identity: r.Identity, ShareBps: r.ShareBps})
	}
	for _, a := range s.Config.Assets {
		snap.Config.Assets = append(snap.Config.Assets, RequiredAsset{Asset: a.Asset, Amount: cloneBigInt(a.Required)})
		snap.Assets = append(snap.Assets, AssetState{Asset: a.Asset, Required: cloneBigInt(a.Required), Deposited: cloneBigInt(a.Deposited)})
	}
	for _, e := range s.Deposits {
		snap.Deposits = append(snap.Deposits, LedgerEntry{Identity: e.Identity, Asset: e.Asset, Amount: cloneBigInt(e.Amount)})
	}
	for _, e := range s.Withdrawable {
		snap.Withdrawable = append(snap.Withdrawable, LedgerEntry{Identity: e.Identity, Asset: e.Asset, Amount: cloneBigInt(e.Amount)})
	}
	return snap, nil
}

// EncodeSnapshot serialises a snapshot using RLP.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil snapshot")
	}
	return rlp.EncodeToBytes(newStoredSnapshot(s))
}

// DecodeSnapshot parses the RLP form produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	stored := new(storedSnapshot)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("escrow: decode snapshot: %w", err)
	}
	return stored.toSnapshot()
}

// Digest returns the blake3 hash of the encoded snapshot. It changes with
// every committed mutation and is stable across processes.
func (s *Snapshot) Digest() ([32]byte, error) {
	encoded, err := EncodeSnapshot(s)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(encoded), nil
}

// Digest returns the blake3 hash of the RLP-encoded configuration. Identical
// configurations yield identical digests.
func (c Config) Digest() ([32]byte, error) {
	encoded, err := rlp.EncodeToBytes(newStoredConfig(c, nil))
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(encoded), nil
}
