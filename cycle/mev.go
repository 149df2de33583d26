package cycle

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kamiyo/kagami"
	"github.com/kamiyo/kagami/store"
)

// Recognized MEV attack types.
const (
	AttackFrontrun       = "frontrun"
	AttackSandwich       = "sandwich"
	AttackTimeBandit     = "timebandit"
	AttackExtractionLoop = "extraction_loop"
)

// incidentSlashMultiplier: an attacker forfeits twice the value extracted.
const incidentSlashMultiplier = 2.0

// evidenceSchema constrains the optional evidence document attached to an
// incident report.
const evidenceSchema = `{
	"type": "object",
	"properties": {
		"observed_at": {"type": "string"},
		"block_hashes": {"type": "array", "items": {"type": "string"}},
		"tx_hashes": {"type": "array", "items": {"type": "string"}},
		"description": {"type": "string", "maxLength": 2048}
	},
	"additionalProperties": false
}`

// MEVReport is one reported extraction incident.
type MEVReport struct {
	RootTxHash         string          `json:"rootTxHash"`
	AttackType         string          `json:"attackType"`
	AttackerUUID       string          `json:"attackerUuid"`
	VictimUUID         string          `json:"victimUuid"`
	ExtractedValueUSDC float64         `json:"extractedValueUsdc"`
	BlockNumber        uint64          `json:"blockNumber"`
	TxIndex            int             `json:"txIndex"`
	EvidenceHash       string          `json:"evidenceHash"`
	Evidence           json.RawMessage `json:"evidence,omitempty"`
}

// MEVIncidentResult reports a recorded incident and the resulting slash.
type MEVIncidentResult struct {
	Reported    bool    `json:"reported"`
	IncidentID  uint    `json:"incidentId"`
	SlashedUSDC float64 `json:"slashedUsdc"`
}

// ReportMEVIncident validates and records an extraction attack report and
// slashes the attacker's stake at twice the extracted value. The slash is
// bounded by the attacker's remaining stake.
func (d *Detector) ReportMEVIncident(ctx context.Context, report MEVReport) (MEVIncidentResult, error) {
	if err := kagami.ValidateTxHash(report.RootTxHash); err != nil {
		return MEVIncidentResult{}, err
	}
	if err := validateAttackType(report.AttackType); err != nil {
		return MEVIncidentResult{}, err
	}
	if err := validateAgentUUID(report.AttackerUUID); err != nil {
		return MEVIncidentResult{}, err
	}
	if err := validateAgentUUID(report.VictimUUID); err != nil {
		return MEVIncidentResult{}, err
	}
	if report.ExtractedValueUSDC <= 0 {
		return MEVIncidentResult{}, kagami.NewValidationError("extracted value must be positive")
	}
	if len(report.Evidence) > 0 {
		if err := validateEvidence(report.Evidence); err != nil {
			return MEVIncidentResult{}, err
		}
	}

	slashed, err := d.stores.Stakes.SlashValue(ctx, report.AttackerUUID,
		report.ExtractedValueUSDC*incidentSlashMultiplier)
	if err != nil {
		return MEVIncidentResult{}, err
	}

	incident := &store.MEVIncident{
		RootTxHash:         report.RootTxHash,
		AttackType:         report.AttackType,
		AttackerUUID:       report.AttackerUUID,
		VictimUUID:         report.VictimUUID,
		ExtractedValueUSDC: report.ExtractedValueUSDC,
		SlashedUSDC:        slashed,
		BlockNumber:        report.BlockNumber,
		TxIndex:            report.TxIndex,
		EvidenceHash:       report.EvidenceHash,
	}
	if err := d.stores.Incidents.RecordIncident(ctx, incident); err != nil {
		return MEVIncidentResult{}, err
	}

	d.log.Info().
		Str("root_tx", report.RootTxHash).
		Str("attack_type", report.AttackType).
		Str("attacker", report.AttackerUUID).
		Float64("slashed_usdc", slashed).
		Msg("mev_incident_reported")

	return MEVIncidentResult{Reported: true, IncidentID: incident.ID, SlashedUSDC: slashed}, nil
}

// ComputationalCost returns the USDC cost an agent must carry to forward at
// the given hop depth: base * rate^depth, jumping to the prohibitive
// ceiling beyond MaxRationalHops. Deep recursive forwarding is thereby
// economically irrational rather than structurally forbidden. The formula
// is deterministic: equal depths always price equally.
func (d *Detector) ComputationalCost(hopDepth int) float64 {
	if hopDepth < 0 {
		return 0
	}
	if hopDepth > d.cfg.MaxRationalHops {
		return d.cfg.ProhibitiveCostUSDC
	}
	cost := d.cfg.BaseComputeCostUSDC * math.Pow(d.cfg.ComputeGrowthRate, float64(hopDepth))
	if cost > d.cfg.ProhibitiveCostUSDC {
		return d.cfg.ProhibitiveCostUSDC
	}
	return cost
}

// EnforceActivationDelay rejects a routing change that would take effect
// before the configured delay has elapsed since the previous change. The
// delay defeats manifest-flip frontrunning: an attacker cannot swap its
// routing in the same block it observes a profitable flow.
func (d *Detector) EnforceActivationDelay(lastChange, validFrom time.Time) error {
	earliest := lastChange.Add(d.cfg.ActivationDelay)
	if validFrom.Before(earliest) {
		return kagami.NewValidationError(
			"activation too soon: earliest %s", earliest.UTC().Format(time.RFC3339))
	}
	return nil
}

func validateAttackType(attackType string) error {
	switch attackType {
	case AttackFrontrun, AttackSandwich, AttackTimeBandit, AttackExtractionLoop:
		return nil
	default:
		return kagami.NewValidationError(
			"invalid attack type %q: must be one of frontrun, sandwich, timebandit, extraction_loop",
			attackType)
	}
}

func validateEvidence(evidence json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(evidenceSchema),
		gojsonschema.NewBytesLoader(evidence),
	)
	if err != nil {
		return kagami.NewValidationError("malformed evidence document: %v", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return kagami.NewValidationError("evidence document rejected: %s", strings.Join(reasons, "; "))
	}
	return nil
}
