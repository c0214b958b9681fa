package escrowd

import (
	"context"
	"log/slog"
	"time"

	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
	"quorumescrow/observability"
	telemetry "quorumescrow/observability/otel"
)

// Keeper periodically force-refunds instances whose current deadline has
// passed and prunes expired idempotency keys.
type Keeper struct {
	registry *escrow.Registry
	identity [20]byte
	interval time.Duration
	metrics  *observability.EscrowMetrics
	idem     *IdempotencyStore
	logger   *slog.Logger
}

// KeeperOption customises the keeper instance.
type KeeperOption func(*Keeper)

// WithKeeperMetrics records refunds on m.
func WithKeeperMetrics(m *observability.EscrowMetrics) KeeperOption {
	return func(k *Keeper) { k.metrics = m }
}

// WithKeeperIdempotency prunes store on every sweep.
func WithKeeperIdempotency(store *IdempotencyStore) KeeperOption {
	return func(k *Keeper) { k.idem = store }
}

// WithKeeperLogger overrides the default logger.
func WithKeeperLogger(logger *slog.Logger) KeeperOption {
	return func(k *Keeper) { k.logger = logger }
}

// NewKeeper constructs a keeper acting as identity.
func NewKeeper(registry *escrow.Registry, identity [20]byte, interval time.Duration, opts ...KeeperOption) *Keeper {
	k := &Keeper{
		registry: registry,
		identity: identity,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.interval <= 0 {
		k.interval = 30 * time.Second
	}
	return k
}

// Sweep refunds every instance that is due and reports how many were
// refunded. Instances that settle between listing and refunding are skipped.
func (k *Keeper) Sweep(ctx context.Context) int {
	refunded := 0
	for _, id := range k.registry.ListRefundDue() {
		if ctx.Err() != nil {
			break
		}
		engine, err := k.registry.Get(id)
		if err != nil {
			continue
		}
		_, span := telemetry.StartOperation(ctx, "keeper_refund", crypto.FormatID(id))
		err = engine.ForceRefund(k.identity)
		span.End(engine.Phase().String(), err, string(escrow.KindOf(err)))
		if err != nil {
			k.logger.Warn("keeper refund failed",
				slog.String("escrow", crypto.FormatID(id)),
				slog.String("kind", string(escrow.KindOf(err))),
				slog.Any("error", err))
			continue
		}
		refunded++
		k.metrics.RecordKeeperRefund()
		k.logger.Info("keeper refunded escrow", slog.String("escrow", crypto.FormatID(id)))
	}
	if k.idem != nil {
		if pruned, err := k.idem.Prune(ctx); err != nil {
			k.logger.Warn("idempotency prune failed", slog.Any("error", err))
		} else if pruned > 0 {
			k.logger.Debug("idempotency keys pruned", slog.Int64("count", pruned))
		}
	}
	return refunded
}

// Run sweeps on every tick until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.logger.Info("keeper started",
		slog.String("caller", crypto.FormatAddress(k.identity)),
		slog.Duration("interval", k.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}
