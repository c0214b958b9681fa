package observability

import (
	"strings"

	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
)

// Emit implements events.Emitter so the metrics can be attached as a sink of
// the escrow notification stream.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	data := payload.Event()
	switch data.Type {
	case escrow.EventTypeCreated:
		m.instances.WithLabelValues(escrow.PhaseInit.String()).Inc()
	case escrow.EventTypeFundsDeposited:
		m.deposits.WithLabelValues(assetClass(data.Attr("asset"))).Inc()
	case escrow.EventTypeParticipantConfirmed:
		m.confirmations.Inc()
	case escrow.EventTypePhaseChanged:
		from, to := data.Attr("from"), data.Attr("to")
		m.instances.WithLabelValues(from).Dec()
		m.instances.WithLabelValues(to).Inc()
		switch to {
		case escrow.PhaseResolved.String():
			m.settlements.WithLabelValues(escrow.OutcomeRelease).Inc()
		case escrow.PhaseRefunded.String():
			m.settlements.WithLabelValues(escrow.OutcomeRefund).Inc()
		}
	}
}

// assetClass folds asset identifiers into a fixed label set; token addresses
// are chosen by callers and would make the series unbounded.
func assetClass(asset string) string {
	asset = strings.TrimSpace(asset)
	switch {
	case asset == "":
		return "unknown"
	case strings.EqualFold(asset, crypto.NativeAssetLabel):
		return crypto.NativeAssetLabel
	default:
		return "token"
	}
}
