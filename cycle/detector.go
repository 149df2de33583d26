// Package cycle maintains an append-only directed graph of payment
// forwards per root transaction, detects cycles and extraction loops, and
// applies the economic consequences: reputation penalties, stake slashing,
// cooperation rewards and MEV incident slashing.
package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/kamiyo/kagami"
	"github.com/kamiyo/kagami/store"
)

// Forward-safety reasons returned by VerifyForwardSafe and
// ReportCycleForReward.
const (
	ReasonSelfForward     = "self_forward"
	ReasonWouldCycle      = "would_create_cycle"
	ReasonExtractionLoop  = "extraction_loop_detected"
	ReasonReporterInCycle = "reporter_in_cycle"
)

// ChainStore persists and queries the forward graph.
type ChainStore interface {
	AppendHop(ctx context.Context, hop *store.PaymentHop) error
	ChainHops(ctx context.Context, rootTxHash string) ([]store.PaymentHop, error)
	MarkCycle(ctx context.Context, rootTxHash string, cycleDepth int) error
	HopsByAgent(ctx context.Context, agentUUID string, limit int) ([]store.PaymentHop, error)
	CycleChains(ctx context.Context, limit int) ([]store.PaymentHop, error)
}

// ReputationStore appends reputation feedback entries (fire-and-forget
// from the caller's perspective) and aggregates violations.
type ReputationStore interface {
	RecordFeedback(ctx context.Context, entry *store.ReputationEntry) error
	CountViolations(ctx context.Context, agentUUID, tag string) (int64, error)
}

// StakeLedger mutates agents' posted collateral.
type StakeLedger interface {
	Slash(ctx context.Context, agentUUID string, cycleDepth int) (float64, error)
	SlashValue(ctx context.Context, agentUUID string, amountUSDC float64) (float64, error)
}

// RewardStore appends cooperation rewards.
type RewardStore interface {
	RecordReward(ctx context.Context, reward *store.CooperationReward) error
}

// IncidentStore appends MEV incident records.
type IncidentStore interface {
	RecordIncident(ctx context.Context, incident *store.MEVIncident) error
}

// Stores bundles the persistence collaborators the detector depends on.
// *store.ChainStore satisfies all of them.
type Stores struct {
	Chains     ChainStore
	Reputation ReputationStore
	Stakes     StakeLedger
	Rewards    RewardStore
	Incidents  IncidentStore
}

// Config holds the detector's economic and structural parameters.
// The zero value is usable after Validate fills in defaults.
type Config struct {
	// MaxHopDepth is the hop number bound; forwards beyond it are rejected
	// before being recorded. Default 10.
	MaxHopDepth int

	// MaxRationalHops is the depth beyond which the computational cost
	// formula returns the prohibitive ceiling. Default 8.
	MaxRationalHops int

	// ActivationDelay is the minimum wait before a routing change may take
	// effect, defeating manifest-flip frontrunning. Default 12s (~1 block
	// on Base L2).
	ActivationDelay time.Duration

	// BaseComputeCostUSDC and ComputeGrowthRate parameterize the
	// per-hop computational cost base * rate^depth. Defaults 0.005 / 1.15.
	BaseComputeCostUSDC float64
	ComputeGrowthRate   float64

	// ProhibitiveCostUSDC is the ceiling returned beyond MaxRationalHops.
	// Default 999999.99.
	ProhibitiveCostUSDC float64

	// ConflictRetries bounds retries when concurrent forwards race for the
	// same hop number. Default 3.
	ConflictRetries int
}

// Validate fills defaults and rejects nonsensical parameters.
func (c *Config) Validate() error {
	if c.MaxHopDepth == 0 {
		c.MaxHopDepth = 10
	}
	if c.MaxRationalHops == 0 {
		c.MaxRationalHops = 8
	}
	if c.ActivationDelay == 0 {
		c.ActivationDelay = 12 * time.Second
	}
	if c.BaseComputeCostUSDC == 0 {
		c.BaseComputeCostUSDC = 0.005
	}
	if c.ComputeGrowthRate == 0 {
		c.ComputeGrowthRate = 1.15
	}
	if c.ProhibitiveCostUSDC == 0 {
		c.ProhibitiveCostUSDC = 999999.99
	}
	if c.ConflictRetries == 0 {
		c.ConflictRetries = 3
	}
	if c.MaxHopDepth < 1 {
		return kagami.NewValidationError("max hop depth must be positive")
	}
	if c.ComputeGrowthRate < 1 {
		return kagami.NewValidationError("compute growth rate must be >= 1")
	}
	return nil
}

// ForwardSafety is the advisory result of a pre-forward check. Callers
// should reject the forward when Safe is false, but may still record the
// hop; the recorded chain is re-evaluated either way.
type ForwardSafety struct {
	Safe        bool     `json:"safe"`
	Reason      string   `json:"reason,omitempty"`
	CycleAgents []string `json:"cycleAgents,omitempty"`
}

// ForwardResult reports the outcome of recording one forward hop.
type ForwardResult struct {
	ForwardRecorded bool     `json:"forwardRecorded"`
	CycleDetected   bool     `json:"cycleDetected"`
	CycleDepth      int      `json:"cycleDepth,omitempty"`
	CycleAgents     []string `json:"cycleAgents,omitempty"`
}

// Detector evaluates payment-forward chains. Operations are request-scoped
// and short-lived; hop recording for a given root transaction is serialized
// through a per-root mutex plus the store's unique (root, hop) constraint.
type Detector struct {
	cfg    Config
	stores Stores
	log    zerolog.Logger

	mu        sync.Mutex
	roots     map[string]*sync.Mutex
	penalized map[string]struct{}
}

// NewDetector creates a cycle detector. cfg is validated and defaulted.
func NewDetector(cfg Config, stores Stores, log zerolog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Chains == nil {
		return nil, kagami.NewValidationError("chain store is required")
	}

	return &Detector{
		cfg:       cfg,
		stores:    stores,
		log:       log.With().Str("component", "cycle_detector").Logger(),
		roots:     make(map[string]*sync.Mutex),
		penalized: make(map[string]struct{}),
	}, nil
}

// rootLock returns the mutex serializing hop recording for one root
// transaction.
func (d *Detector) rootLock(rootTxHash string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.roots[rootTxHash]
	if !ok {
		lock = &sync.Mutex{}
		d.roots[rootTxHash] = lock
	}
	return lock
}

// VerifyForwardSafe checks whether forwarding to targetAgent would revisit
// an agent already present in the chain for rootTxHash. It must be called
// before committing a forward; the result is advisory.
func (d *Detector) VerifyForwardSafe(ctx context.Context, rootTxHash, sourceAgent, targetAgent string) (ForwardSafety, error) {
	if err := validateForwardIdentifiers(rootTxHash, sourceAgent, targetAgent); err != nil {
		return ForwardSafety{}, err
	}
	if sourceAgent == targetAgent {
		return ForwardSafety{Safe: false, Reason: ReasonSelfForward}, nil
	}

	hops, err := d.stores.Chains.ChainHops(ctx, rootTxHash)
	if err != nil {
		return ForwardSafety{}, err
	}

	path := agentPath(hops)
	for i, agent := range path {
		if agent != targetAgent {
			continue
		}
		reason := ReasonExtractionLoop
		if i == 0 {
			// Forwarding back to the chain origin closes a full cycle.
			reason = ReasonWouldCycle
		}
		return ForwardSafety{Safe: false, Reason: reason, CycleAgents: path[i:]}, nil
	}

	return ForwardSafety{Safe: true}, nil
}

// RecordForward appends one hop to the chain for rootTxHash and re-evaluates
// the whole chain for cycles. Validation failures reject the call before
// anything is recorded; a hop-number race against a concurrent writer is
// retried with a freshly assigned hop number.
//
// Re-evaluating an already-flagged chain re-confirms the cycle but never
// re-penalizes: penalty application is a separate, explicit step.
func (d *Detector) RecordForward(ctx context.Context, rootTxHash, sourceAgent, targetAgent string, hopNumber int) (ForwardResult, error) {
	if err := validateForwardIdentifiers(rootTxHash, sourceAgent, targetAgent); err != nil {
		return ForwardResult{}, err
	}
	if hopNumber < 0 {
		return ForwardResult{}, kagami.NewValidationError("hop number must not be negative")
	}
	if hopNumber > d.cfg.MaxHopDepth {
		return ForwardResult{}, kagami.NewValidationError(
			"hop depth %d exceeds maximum %d", hopNumber, d.cfg.MaxHopDepth)
	}

	lock := d.rootLock(rootTxHash)
	lock.Lock()
	defer lock.Unlock()

	hop := &store.PaymentHop{
		RootTxHash:       rootTxHash,
		AgentUUID:        sourceAgent,
		ForwardedToAgent: targetAgent,
		HopNumber:        hopNumber,
	}

	// Backoffs are stateful; build a fresh one per recording attempt.
	fib := retry.NewFibonacci(10 * time.Millisecond)
	backoff := retry.WithMaxRetries(uint64(d.cfg.ConflictRetries), fib)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.stores.Chains.AppendHop(ctx, hop)
		if err == nil {
			return nil
		}
		if !kagami.IsConflict(err) {
			return err
		}
		// Another writer claimed this hop number; reassign past the
		// current chain tail and try again.
		next, seqErr := d.nextHopNumber(ctx, rootTxHash)
		if seqErr != nil {
			return seqErr
		}
		if next > d.cfg.MaxHopDepth {
			return kagami.NewValidationError(
				"hop depth %d exceeds maximum %d", next, d.cfg.MaxHopDepth)
		}
		hop.HopNumber = next
		return retry.RetryableError(err)
	})
	if err != nil {
		return ForwardResult{}, err
	}

	hops, err := d.stores.Chains.ChainHops(ctx, rootTxHash)
	if err != nil {
		return ForwardResult{ForwardRecorded: true}, err
	}

	cycleAgents, ok := findCycle(agentPath(hops))
	if !ok {
		return ForwardResult{ForwardRecorded: true}, nil
	}

	depth := len(cycleAgents)
	if err := d.stores.Chains.MarkCycle(ctx, rootTxHash, depth); err != nil {
		return ForwardResult{ForwardRecorded: true}, err
	}

	d.log.Warn().
		Str("root_tx", rootTxHash).
		Int("cycle_depth", depth).
		Strs("cycle_agents", cycleAgents).
		Msg("payment_cycle_detected")

	return ForwardResult{
		ForwardRecorded: true,
		CycleDetected:   true,
		CycleDepth:      depth,
		CycleAgents:     cycleAgents,
	}, nil
}

// CycleHistory returns recorded hops: the full chain when rootTxHash is
// set, an agent's recent hops when agentUUID is set, otherwise the most
// recent cycle-flagged hops.
func (d *Detector) CycleHistory(ctx context.Context, rootTxHash, agentUUID string, limit int) ([]store.PaymentHop, error) {
	if limit <= 0 {
		limit = 50
	}
	switch {
	case rootTxHash != "":
		if err := kagami.ValidateTxHash(rootTxHash); err != nil {
			return nil, err
		}
		return d.stores.Chains.ChainHops(ctx, rootTxHash)
	case agentUUID != "":
		if err := validateAgentUUID(agentUUID); err != nil {
			return nil, err
		}
		return d.stores.Chains.HopsByAgent(ctx, agentUUID, limit)
	default:
		return d.stores.Chains.CycleChains(ctx, limit)
	}
}

// nextHopNumber returns one past the highest recorded hop number for the
// chain.
func (d *Detector) nextHopNumber(ctx context.Context, rootTxHash string) (int, error) {
	hops, err := d.stores.Chains.ChainHops(ctx, rootTxHash)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, h := range hops {
		if h.HopNumber >= next {
			next = h.HopNumber + 1
		}
	}
	return next, nil
}

// agentPath flattens a hop-ordered chain into the visited agent sequence:
// [hop0.source, hop0.target, hop1.target, ...].
func agentPath(hops []store.PaymentHop) []string {
	if len(hops) == 0 {
		return nil
	}
	path := make([]string, 0, len(hops)+1)
	path = append(path, hops[0].AgentUUID)
	for _, hop := range hops {
		path = append(path, hop.ForwardedToAgent)
	}
	return path
}

// findCycle scans the visited sequence for the first revisited agent.
// It returns the agents of the revisited segment in path order, starting
// from the first repeated agent; the segment length is the cycle depth
// (number of distinct agents involved).
func findCycle(path []string) ([]string, bool) {
	seen := make(map[string]int, len(path))
	for j, agent := range path {
		if i, ok := seen[agent]; ok {
			return path[i:j], true
		}
		seen[agent] = j
	}
	return nil, false
}

// validateForwardIdentifiers rejects malformed hashes and agent UUIDs
// before any state is touched.
func validateForwardIdentifiers(rootTxHash, sourceAgent, targetAgent string) error {
	if err := kagami.ValidateTxHash(rootTxHash); err != nil {
		return err
	}
	if err := validateAgentUUID(sourceAgent); err != nil {
		return err
	}
	return validateAgentUUID(targetAgent)
}

func validateAgentUUID(agentUUID string) error {
	if agentUUID == "" {
		return kagami.NewValidationError("agent identifier is required")
	}
	if _, err := uuid.Parse(agentUUID); err != nil {
		return kagami.NewValidationError("malformed agent identifier: %q", agentUUID)
	}
	return nil
}
