package cycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamiyo/kagami"
)

func TestComputationalCost(t *testing.T) {
	detector, _ := newTestDetector(t)

	t.Run("base cost at depth zero", func(t *testing.T) {
		assert.InDelta(t, 0.005, detector.ComputationalCost(0), 1e-12)
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, detector.ComputationalCost(5), detector.ComputationalCost(5))
	})

	t.Run("strictly increasing within rational range", func(t *testing.T) {
		prev := detector.ComputationalCost(0)
		for depth := 1; depth <= 8; depth++ {
			cost := detector.ComputationalCost(depth)
			assert.Greater(t, cost, prev, "depth %d", depth)
			prev = cost
		}
	})

	t.Run("prohibitive beyond rational hops", func(t *testing.T) {
		assert.Equal(t, 999999.99, detector.ComputationalCost(9))
		assert.Equal(t, 999999.99, detector.ComputationalCost(100))
	})

	t.Run("negative depth costs nothing", func(t *testing.T) {
		assert.Zero(t, detector.ComputationalCost(-1))
	})
}

func TestEnforceActivationDelay(t *testing.T) {
	detector, _ := newTestDetector(t)
	lastChange := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Within the delay window the change is rejected
	err := detector.EnforceActivationDelay(lastChange, lastChange.Add(11*time.Second))
	assert.True(t, kagami.IsValidation(err))

	// At or past the window it is accepted
	assert.NoError(t, detector.EnforceActivationDelay(lastChange, lastChange.Add(12*time.Second)))
	assert.NoError(t, detector.EnforceActivationDelay(lastChange, lastChange.Add(time.Minute)))
}

func TestReportMEVIncident_SlashesDoubleExtracted(t *testing.T) {
	detector, chainStore := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, chainStore.Deposit(ctx, agentA, 500))

	result, err := detector.ReportMEVIncident(ctx, MEVReport{
		RootTxHash:         rootTx,
		AttackType:         AttackSandwich,
		AttackerUUID:       agentA,
		VictimUUID:         agentB,
		ExtractedValueUSDC: 50,
		BlockNumber:        123456,
		TxIndex:            3,
	})
	require.NoError(t, err)
	assert.True(t, result.Reported)
	assert.NotZero(t, result.IncidentID)
	assert.InDelta(t, 100.0, result.SlashedUSDC, 1e-9)

	stake, err := chainStore.StakeOf(ctx, agentA)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stake.SlashedUSDC, 1e-9)
}

func TestReportMEVIncident_SlashBoundedByStake(t *testing.T) {
	detector, chainStore := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, chainStore.Deposit(ctx, agentA, 30))

	result, err := detector.ReportMEVIncident(ctx, MEVReport{
		RootTxHash:         rootTx,
		AttackType:         AttackFrontrun,
		AttackerUUID:       agentA,
		VictimUUID:         agentB,
		ExtractedValueUSDC: 50,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30.0, result.SlashedUSDC, 1e-9)
}

func TestReportMEVIncident_Validation(t *testing.T) {
	detector, _ := newTestDetector(t)
	ctx := context.Background()

	base := MEVReport{
		RootTxHash:         rootTx,
		AttackType:         AttackFrontrun,
		AttackerUUID:       agentA,
		VictimUUID:         agentB,
		ExtractedValueUSDC: 10,
	}

	t.Run("unknown attack type", func(t *testing.T) {
		report := base
		report.AttackType = "spoofing"
		_, err := detector.ReportMEVIncident(ctx, report)
		assert.True(t, kagami.IsValidation(err))
	})

	t.Run("non-positive extracted value", func(t *testing.T) {
		report := base
		report.ExtractedValueUSDC = 0
		_, err := detector.ReportMEVIncident(ctx, report)
		assert.True(t, kagami.IsValidation(err))
	})

	t.Run("malformed attacker", func(t *testing.T) {
		report := base
		report.AttackerUUID = "bogus"
		_, err := detector.ReportMEVIncident(ctx, report)
		assert.True(t, kagami.IsValidation(err))
	})
}

func TestReportMEVIncident_EvidenceSchema(t *testing.T) {
	detector, chainStore := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, chainStore.Deposit(ctx, agentA, 100))

	base := MEVReport{
		RootTxHash:         rootTx,
		AttackType:         AttackTimeBandit,
		AttackerUUID:       agentA,
		VictimUUID:         agentB,
		ExtractedValueUSDC: 5,
	}

	t.Run("valid evidence accepted", func(t *testing.T) {
		report := base
		report.Evidence = json.RawMessage(`{
			"observed_at": "2026-03-01T12:00:00Z",
			"block_hashes": ["0xabc"],
			"tx_hashes": ["0xdef"],
			"description": "reordered victim transaction"
		}`)
		result, err := detector.ReportMEVIncident(ctx, report)
		require.NoError(t, err)
		assert.True(t, result.Reported)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		report := base
		report.Evidence = json.RawMessage(`{"observed_at": "now", "payload": "x"}`)
		_, err := detector.ReportMEVIncident(ctx, report)
		assert.True(t, kagami.IsValidation(err))
	})

	t.Run("wrong types rejected", func(t *testing.T) {
		report := base
		report.Evidence = json.RawMessage(`{"block_hashes": "not-an-array"}`)
		_, err := detector.ReportMEVIncident(ctx, report)
		assert.True(t, kagami.IsValidation(err))
	})
}
