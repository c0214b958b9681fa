package escrow

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotCodecRoundTrip(t *testing.T) {
	h := newHarness(t, baseConfig(10_000))
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	require.NoError(t, h.engine.Confirm(participantB))
	h.clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, h.engine.RaiseDispute(participantA))
	require.NoError(t, h.engine.ResolveDisputeRefundAll(mediatorM))

	snap := h.engine.Snapshot()
	encoded, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(encoded)
	require.NoError(t, err)

	require.Equal(t, snap.ID, decoded.ID)
	require.Equal(t, PhaseRefunded, decoded.Phase)
	require.Equal(t, snap.CreatedAt, decoded.CreatedAt)
	require.Equal(t, snap.FundedAt, decoded.FundedAt)
	require.Equal(t, snap.DisputeStartedAt, decoded.DisputeStartedAt)
	require.True(t, decoded.DisputeRaised)
	require.Equal(t, uint64(5000), decoded.ConfirmationsWeight)
	require.Equal(t, [][20]byte{participantB}, decoded.Confirmed)
	require.Equal(t, [][20]byte{participantA}, decoded.Depositors)
	require.Len(t, decoded.Withdrawable, 1)
	require.Equal(t, participantA, decoded.Withdrawable[0].Identity)
	require.Equal(t, "1", decoded.Withdrawable[0].Amount.String())
	require.Equal(t, snap.Sequence, decoded.Sequence)
	require.Equal(t, snap.Config.DisputePeriod, decoded.Config.DisputePeriod)
	require.NoError(t, decoded.Config.Validate())

	want, err := snap.Digest()
	require.NoError(t, err)
	got, err := decoded.Digest()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSnapshotDigestTracksMutations(t *testing.T) {
	h := newHarness(t, baseConfig(5000))
	before, err := h.engine.Snapshot().Digest()
	require.NoError(t, err)
	require.NoError(t, h.engine.Deposit(participantA, NativeAsset, big.NewInt(1)))
	after, err := h.engine.Snapshot().Digest()
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot([]byte{0x01, 0x02})
	require.Error(t, err)
	_, err = EncodeSnapshot(nil)
	require.Error(t, err)
}
