package escrowd

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
)

func TestKeeperSweepRefundsExpiredInstances(t *testing.T) {
	h := newHarness(t)
	keeperID := [20]byte{0x99}
	keeper := NewKeeper(h.registry, keeperID, time.Second, WithKeeperMetrics(h.metrics), WithKeeperIdempotency(h.idem))

	unfunded := h.create(5000)
	h.fund(participantA, 40)
	rec := h.do(http.MethodPost, "/v1/escrows/"+unfunded+"/deposit", &participantA, depositRequest{Asset: "native", Amount: "40"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Zero(t, keeper.Sweep(context.Background()))

	h.clock.now = testStart + 3600 + 1
	require.Equal(t, 1, keeper.Sweep(context.Background()))
	require.Zero(t, keeper.Sweep(context.Background()))

	id, err := crypto.ParseID(unfunded)
	require.NoError(t, err)
	engine, err := h.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, escrow.PhaseRefunded, engine.Phase())
	require.Equal(t, "40", engine.WithdrawableOf(participantA, escrow.NativeAsset).String())

	rec = h.do(http.MethodGet, "/v1/escrows/"+unfunded+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), crypto.FormatAddress(keeperID))
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	keeper := NewKeeper(h.registry, [20]byte{0x99}, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		keeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}

func TestKeeperRefundMetric(t *testing.T) {
	h := newHarness(t)
	keeper := NewKeeper(h.registry, [20]byte{0x99}, time.Second, WithKeeperMetrics(h.metrics))
	h.create(5000)
	h.clock.now = testStart + 3600 + 1
	require.Equal(t, 1, keeper.Sweep(context.Background()))
	expected := `
# HELP quorumescrow_keeper_refunds_total Instances force-refunded by the deadline keeper.
# TYPE quorumescrow_keeper_refunds_total counter
quorumescrow_keeper_refunds_total 1
`
	require.NoError(t, testutil.GatherAndCompare(h.promReg, strings.NewReader(expected), "quorumescrow_keeper_refunds_total"))
}
