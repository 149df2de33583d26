package cycle

import (
	"context"
	"fmt"

	"github.com/kamiyo/kagami"
	"github.com/kamiyo/kagami/store"
)

// zeroAddress is recorded as the client address on system-originated
// reputation feedback.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Reward types recorded for cooperative behavior.
const (
	RewardHonestForwardType = "honest_forward"
	RewardCycleReportType   = "cycle_report"
)

// Reputation tags attached to cycle penalties.
const (
	TagPaymentCycle   = "payment_cycle"
	TagTrustViolation = "trust_violation"
)

// PenaltyDetail describes the consequence applied to one cycle participant.
type PenaltyDetail struct {
	AgentUUID        string  `json:"agentUuid"`
	IsRootInitiator  bool    `json:"isRootInitiator"`
	PenaltyPoints    int     `json:"penaltyPoints"`
	PenaltyScore     int     `json:"penaltyScore"`
	SlashedStakeUSDC float64 `json:"slashedStakeUsdc"`
}

// PenaltyReport summarizes one penalty application.
type PenaltyReport struct {
	PenaltiesApplied int             `json:"penaltiesApplied"`
	CycleDepth       int             `json:"cycleDepth"`
	Details          []PenaltyDetail `json:"details"`
}

// RewardResult reports the outcome of a cooperation reward.
type RewardResult struct {
	Rewarded     bool   `json:"rewarded"`
	Reason       string `json:"reason,omitempty"`
	RewardPoints int    `json:"rewardPoints"`
}

// ApplyCyclePenalties applies the economic consequences of a detected
// cycle to its participants, in path order. The first agent is the
// initiator and is penalized at twice the multiplier of downstream
// participants:
//
//	base   = min(30, 10 * cycleDepth)
//	points = base * multiplier        (2.0 for initiator, 1.0 otherwise)
//	score  = max(0, 100 - points)     recorded as reputation feedback
//
// Each agent's stake is additionally slashed in proportion to cycle depth.
// Re-invocation for the same (rootTxHash, agent) pair is a no-op, so a
// retried application never double-penalizes a cycle occurrence.
func (d *Detector) ApplyCyclePenalties(ctx context.Context, rootTxHash string, cycleAgents []string, cycleDepth int) (PenaltyReport, error) {
	if err := kagami.ValidateTxHash(rootTxHash); err != nil {
		return PenaltyReport{}, err
	}
	if len(cycleAgents) == 0 {
		return PenaltyReport{}, kagami.NewValidationError("cycle agents are required")
	}
	if cycleDepth < 1 {
		return PenaltyReport{}, kagami.NewValidationError("cycle depth must be positive")
	}
	for _, agent := range cycleAgents {
		if err := validateAgentUUID(agent); err != nil {
			return PenaltyReport{}, err
		}
	}

	report := PenaltyReport{CycleDepth: cycleDepth}
	for i, agent := range cycleAgents {
		if !d.markPenalized(rootTxHash, agent) {
			continue
		}

		isRoot := i == 0
		multiplier := 1.0
		if isRoot {
			multiplier = 2.0
		}

		basePenalty := 10 * cycleDepth
		if basePenalty > 30 {
			basePenalty = 30
		}
		penaltyPoints := int(float64(basePenalty) * multiplier)
		penaltyScore := 100 - penaltyPoints
		if penaltyScore < 0 {
			penaltyScore = 0
		}

		err := d.stores.Reputation.RecordFeedback(ctx, &store.ReputationEntry{
			AgentUUID:     agent,
			ClientAddress: zeroAddress,
			Score:         penaltyScore,
			Tag1:          TagPaymentCycle,
			Tag2:          TagTrustViolation,
			Chain:         "base",
			TxHash:        rootTxHash,
		})
		if err != nil {
			// Nothing was written for this agent; release the slot so a
			// retry can apply the penalty.
			d.unmarkPenalized(rootTxHash, agent)
			return report, err
		}

		slashed, err := d.stores.Stakes.Slash(ctx, agent, cycleDepth)
		if err != nil {
			d.unmarkPenalized(rootTxHash, agent)
			return report, err
		}

		report.Details = append(report.Details, PenaltyDetail{
			AgentUUID:        agent,
			IsRootInitiator:  isRoot,
			PenaltyPoints:    penaltyPoints,
			PenaltyScore:     penaltyScore,
			SlashedStakeUSDC: slashed,
		})
		report.PenaltiesApplied++

		d.log.Info().
			Str("agent_uuid", agent).
			Bool("is_root", isRoot).
			Int("penalty_points", penaltyPoints).
			Float64("slashed_usdc", slashed).
			Str("root_tx", rootTxHash).
			Msg("cycle_penalty_applied")
	}

	return report, nil
}

// markPenalized claims the (rootTxHash, agent) idempotency slot. It returns
// false when the pair was already penalized.
func (d *Detector) markPenalized(rootTxHash, agent string) bool {
	key := rootTxHash + "|" + agent
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.penalized[key]; done {
		return false
	}
	d.penalized[key] = struct{}{}
	return true
}

// unmarkPenalized releases a claimed slot after a failed penalty write, so
// the occurrence can be retried instead of being silently dropped.
func (d *Detector) unmarkPenalized(rootTxHash, agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.penalized, rootTxHash+"|"+agent)
}

// RewardHonestForward credits an agent for forwarding a payment without
// creating a cycle: min(10, floor(amountUSDC/10)) points.
func (d *Detector) RewardHonestForward(ctx context.Context, agentUUID, txHash string, amountUSDC float64) (RewardResult, error) {
	if err := validateAgentUUID(agentUUID); err != nil {
		return RewardResult{}, err
	}
	if err := kagami.ValidateTxHash(txHash); err != nil {
		return RewardResult{}, err
	}
	if amountUSDC <= 0 {
		return RewardResult{}, kagami.NewValidationError("amount must be positive")
	}

	points := int(amountUSDC / 10)
	if points > 10 {
		points = 10
	}

	err := d.stores.Rewards.RecordReward(ctx, &store.CooperationReward{
		AgentUUID:    agentUUID,
		RewardType:   RewardHonestForwardType,
		RewardPoints: points,
		TxHash:       txHash,
	})
	if err != nil {
		return RewardResult{}, err
	}

	d.log.Info().Str("agent_uuid", agentUUID).Int("reward_points", points).
		Str("tx", txHash).Msg("honest_forward_rewarded")

	return RewardResult{Rewarded: true, RewardPoints: points}, nil
}

// ReportCycleForReward credits an agent that reports a cycle it is not a
// participant of: 15 points per cycle agent. Self-reporting is rejected.
func (d *Detector) ReportCycleForReward(ctx context.Context, reporterUUID, rootTxHash string, cycleAgents []string) (RewardResult, error) {
	if err := validateAgentUUID(reporterUUID); err != nil {
		return RewardResult{}, err
	}
	if err := kagami.ValidateTxHash(rootTxHash); err != nil {
		return RewardResult{}, err
	}
	if len(cycleAgents) == 0 {
		return RewardResult{}, kagami.NewValidationError("cycle agents are required")
	}

	for _, agent := range cycleAgents {
		if agent == reporterUUID {
			return RewardResult{Rewarded: false, Reason: ReasonReporterInCycle}, nil
		}
	}

	points := len(cycleAgents) * 15
	err := d.stores.Rewards.RecordReward(ctx, &store.CooperationReward{
		AgentUUID:    reporterUUID,
		RewardType:   RewardCycleReportType,
		RewardPoints: points,
		TxHash:       rootTxHash,
		Metadata:     fmt.Sprintf(`{"cycle_depth": %d}`, len(cycleAgents)),
	})
	if err != nil {
		return RewardResult{}, err
	}

	d.log.Info().Str("reporter", reporterUUID).Int("reward_points", points).
		Int("cycle_size", len(cycleAgents)).Msg("cycle_report_rewarded")

	return RewardResult{Rewarded: true, RewardPoints: points}, nil
}

// AgentCycleViolations counts an agent's non-revoked payment-cycle
// reputation entries.
func (d *Detector) AgentCycleViolations(ctx context.Context, agentUUID string) (int64, error) {
	if err := validateAgentUUID(agentUUID); err != nil {
		return 0, err
	}
	return d.stores.Reputation.CountViolations(ctx, agentUUID, TagPaymentCycle)
}
