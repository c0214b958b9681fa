package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"quorumescrow/crypto"
)

// ParticipantDocument is the text form of a ParticipantShare.
type ParticipantDocument struct {
	Identity string `json:"identity" yaml:"identity"`
	Share    uint64 `json:"share" yaml:"share"`
}

// RecipientDocument is the text form of a RecipientShare.
type RecipientDocument struct {
	Identity string `json:"identity" yaml:"identity"`
	ShareBps uint32 `json:"shareBps" yaml:"shareBps"`
}

// AssetDocument is the text form of a RequiredAsset. Asset is "native" or a
// hex token identifier; Amount is a base-10 integer.
type AssetDocument struct {
	Asset  string `json:"asset" yaml:"asset"`
	Amount string `json:"amount" yaml:"amount"`
}

// ConfigDocument is the JSON/YAML representation of a Config used by the
// HTTP API and the command line client. Periods use time.ParseDuration
// syntax.
type ConfigDocument struct {
	Mediator               string                `json:"mediator" yaml:"mediator"`
	Participants           []ParticipantDocument `json:"participants" yaml:"participants"`
	Recipients             []RecipientDocument   `json:"recipients" yaml:"recipients"`
	Assets                 []AssetDocument       `json:"assets" yaml:"assets"`
	ConfirmationsThreshold uint32                `json:"confirmationsThreshold" yaml:"confirmationsThreshold"`
	FundingPeriod          string                `json:"fundingPeriod" yaml:"fundingPeriod"`
	ConfirmationPeriod     string                `json:"confirmationPeriod" yaml:"confirmationPeriod"`
	DisputePeriod          string                `json:"disputePeriod" yaml:"disputePeriod"`
}

// Config parses the document. Structural invariants are checked later by
// Validate; only malformed text is rejected here.
func (d ConfigDocument) Config() (Config, error) {
	var cfg Config
	var err error
	if cfg.Mediator, err = crypto.ParseAddress(d.Mediator); err != nil {
		return Config{}, fmt.Errorf("%w: mediator: %v", ErrInvalidConfig, err)
	}
	for i, p := range d.Participants {
		identity, err := crypto.ParseAddress(p.Identity)
		if err != nil {
			return Config{}, fmt.Errorf("%w: participant %d: %v", ErrInvalidConfig, i, err)
		}
		cfg.Participants = append(cfg.Participants, ParticipantShare{Identity: identity, Share: p.Share})
	}
	for i, r := range d.Recipients {
		identity, err := crypto.ParseAddress(r.Identity)
		if err != nil {
			return Config{}, fmt.Errorf("%w: recipient %d: %v", ErrInvalidConfig, i, err)
		}
		cfg.Recipients = append(cfg.Recipients, RecipientShare{Identity: identity, ShareBps: r.ShareBps})
	}
	for i, a := range d.Assets {
		asset, err := crypto.ParseAsset(a.Asset)
		if err != nil {
			return Config{}, fmt.Errorf("%w: asset %d: %v", ErrInvalidConfig, i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
		if !ok {
			return Config{}, fmt.Errorf("%w: asset %d: invalid amount %q", ErrInvalidConfig, i, a.Amount)
		}
		cfg.Assets = append(cfg.Assets, RequiredAsset{Asset: asset, Amount: amount})
	}
	cfg.ConfirmationsThreshold = d.ConfirmationsThreshold
	periods := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fundingPeriod", d.FundingPeriod, &cfg.FundingPeriod},
		{"confirmationPeriod", d.ConfirmationPeriod, &cfg.ConfirmationPeriod},
		{"disputePeriod", d.DisputePeriod, &cfg.DisputePeriod},
	}
	for _, p := range periods {
		parsed, err := time.ParseDuration(strings.TrimSpace(p.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, p.name, err)
		}
		*p.dst = parsed
	}
	return cfg, nil
}

// NewConfigDocument renders cfg in its text form.
func NewConfigDocument(cfg Config) ConfigDocument {
	doc := ConfigDocument{
		Mediator:               crypto.FormatAddress(cfg.Mediator),
		ConfirmationsThreshold: cfg.ConfirmationsThreshold,
		FundingPeriod:          cfg.FundingPeriod.String(),
		ConfirmationPeriod:     cfg.ConfirmationPeriod.String(),
		DisputePeriod:          cfg.DisputePeriod.String(),
	}
	for _, p := range cfg.Participants {
		doc.Participants = append(doc.Participants, ParticipantDocument{Identity: crypto.FormatAddress(p.Identity), Share: p.Share})
	}
	for _, r := range cfg.Recipients {
		doc.Recipients = append(doc.Recipients, RecipientDocument{Identity: crypto.FormatAddress(r.Identity), ShareBps: r.ShareBps})
	}
	for _, a := range cfg.Assets {
		doc.Assets = append(doc.Assets, AssetDocument{Asset: crypto.FormatAsset(a.Asset), Amount: cloneBigInt(a.Amount).String()})
	}
	return doc
}
