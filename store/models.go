// Package store contains the GORM-backed SQLite persistence for the
// payment-chain engine: forward hops, reputation feedback, cooperation
// rewards, agent stakes and MEV incidents.
package store

import (
	"gorm.io/gorm"
)

// PaymentHop is one recorded forward step within a root transaction's
// chain. The (root_tx_hash, hop_number) pair is unique so concurrent
// forwards racing for the same hop surface as a constraint violation
// instead of a corrupted sequence.
type PaymentHop struct {
	gorm.Model
	RootTxHash       string `gorm:"index;uniqueIndex:idx_root_hop;not null"`
	AgentUUID        string `gorm:"index;not null"` // source agent
	ForwardedToAgent string `gorm:"index;not null"` // target agent
	HopNumber        int    `gorm:"uniqueIndex:idx_root_hop;not null"`
	DetectedCycle    bool
	CycleDepth       int
}

// ReputationEntry is one reputation feedback record for an agent.
// Cycle penalties are written with Tag1="payment_cycle",
// Tag2="trust_violation".
type ReputationEntry struct {
	gorm.Model
	AgentUUID     string `gorm:"index;not null"`
	ClientAddress string
	Score         int    // 0-100
	Tag1          string `gorm:"index"`
	Tag2          string
	Chain         string
	TxHash        string
	Revoked       bool
}

// CooperationReward is an additive bookkeeping record for honest behavior:
// reward_type is "honest_forward" or "cycle_report".
type CooperationReward struct {
	gorm.Model
	AgentUUID    string `gorm:"index;not null"`
	RewardType   string `gorm:"index"`
	RewardPoints int
	TxHash       string
	Metadata     string `gorm:"type:text"` // optional JSON blob
}

// AgentStake tracks an agent's posted collateral. SlashedUSDC only grows;
// the spendable stake is StakedUSDC - SlashedUSDC.
type AgentStake struct {
	gorm.Model
	AgentUUID   string `gorm:"uniqueIndex;not null"`
	StakedUSDC  float64
	SlashedUSDC float64
}

// MEVIncident records a reported extraction attack and the resulting slash.
type MEVIncident struct {
	gorm.Model
	RootTxHash         string `gorm:"index;not null"`
	AttackType         string `gorm:"index"`
	AttackerUUID       string `gorm:"index"`
	VictimUUID         string
	ExtractedValueUSDC float64
	SlashedUSDC        float64
	BlockNumber        uint64
	TxIndex            int
	EvidenceHash       string
}
