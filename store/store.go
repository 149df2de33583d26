package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kamiyo/kagami"
)

const (
	// InMemorySQLiteDSN is a special DSN to create an ephemeral in-memory
	// SQLite database, used for tests.
	InMemorySQLiteDSN = ":memory:"

	// dbDirPermissions sets directory permissions to 750 (rwxr-x---).
	dbDirPermissions = 0o750
)

var (
	// gormConfig silences GORM's own logging and enables dialect error
	// translation so duplicate-key violations are detectable.
	gormConfig = &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	// schemaModels lists the structs auto-migrated into the database.
	schemaModels = []any{
		&PaymentHop{},
		&ReputationEntry{},
		&CooperationReward{},
		&AgentStake{},
		&MEVIncident{},
	}
)

// DB wraps a GORM client and provides simplified lifecycle management.
type DB struct {
	client *gorm.DB
}

// Open opens (or creates) a file-backed SQLite database in the given
// directory and migrates the schema.
func Open(dir, filename string) (*DB, error) {
	dsn, err := prepareFilePath(dir, filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare database path")
	}
	return openSQLite(dsn)
}

// OpenInMemory opens a non-persistent SQLite database, useful for tests.
func OpenInMemory() (*DB, error) {
	return openSQLite(InMemorySQLiteDSN)
}

func openSQLite(dsn string) (*DB, error) {
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&cache=shared&mode=rwc"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	if err := db.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}

	// SQLite performs best with a single connection in WAL mode.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &DB{client: db}, nil
}

// Client returns the internal *gorm.DB instance for direct queries.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Close safely closes the underlying database connection.
func (d *DB) Close() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}
	return nil
}

func prepareFilePath(dir, filename string) (string, error) {
	if strings.Contains(dir, InMemorySQLiteDSN) {
		return dir, nil
	}
	if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %s", dir)
	}
	return filepath.Join(dir, filename), nil
}

// ChainStore persists payment hops, reputation feedback, rewards, stakes
// and MEV incidents on top of a DB. It implements the cycle detector's
// persistence contracts.
type ChainStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewChainStore creates a ChainStore over an open database.
func NewChainStore(db *DB, log zerolog.Logger) *ChainStore {
	return &ChainStore{db: db.Client(), log: log.With().Str("component", "chain_store").Logger()}
}

// AppendHop inserts one forward hop. A duplicate (root_tx_hash, hop_number)
// pair reports a conflict error so the caller can reassign the hop number
// and retry; anything else reports a persistence error.
func (s *ChainStore) AppendHop(ctx context.Context, hop *PaymentHop) error {
	if err := s.db.WithContext(ctx).Create(hop).Error; err != nil {
		if isDuplicateKey(err) {
			return kagami.NewConflictError(
				"hop number already recorded for this root transaction")
		}
		return kagami.NewPersistenceError("failed to append payment hop", err)
	}
	return nil
}

// ChainHops returns the full chain for a root transaction in hop order.
func (s *ChainStore) ChainHops(ctx context.Context, rootTxHash string) ([]PaymentHop, error) {
	var hops []PaymentHop
	err := s.db.WithContext(ctx).
		Where("root_tx_hash = ?", rootTxHash).
		Order("hop_number ASC").
		Find(&hops).Error
	if err != nil {
		return nil, kagami.NewPersistenceError("failed to load payment chain", err)
	}
	return hops, nil
}

// MarkCycle flags every hop of a root transaction as part of a detected
// cycle. The flag is permanent for that root transaction.
func (s *ChainStore) MarkCycle(ctx context.Context, rootTxHash string, cycleDepth int) error {
	err := s.db.WithContext(ctx).
		Model(&PaymentHop{}).
		Where("root_tx_hash = ?", rootTxHash).
		Updates(map[string]any{"detected_cycle": true, "cycle_depth": cycleDepth}).Error
	if err != nil {
		return kagami.NewPersistenceError("failed to mark cycle", err)
	}
	return nil
}

// HopsByAgent returns the most recent hops an agent participated in,
// as source or target.
func (s *ChainStore) HopsByAgent(ctx context.Context, agentUUID string, limit int) ([]PaymentHop, error) {
	var hops []PaymentHop
	err := s.db.WithContext(ctx).
		Where("agent_uuid = ? OR forwarded_to_agent = ?", agentUUID, agentUUID).
		Order("created_at DESC").
		Limit(limit).
		Find(&hops).Error
	if err != nil {
		return nil, kagami.NewPersistenceError("failed to load agent hops", err)
	}
	return hops, nil
}

// CycleChains returns the most recent hops flagged as cycle participants.
func (s *ChainStore) CycleChains(ctx context.Context, limit int) ([]PaymentHop, error) {
	var hops []PaymentHop
	err := s.db.WithContext(ctx).
		Where("detected_cycle = ?", true).
		Order("created_at DESC").
		Limit(limit).
		Find(&hops).Error
	if err != nil {
		return nil, kagami.NewPersistenceError("failed to load cycle chains", err)
	}
	return hops, nil
}

// RecordFeedback appends one reputation entry.
func (s *ChainStore) RecordFeedback(ctx context.Context, entry *ReputationEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return kagami.NewPersistenceError("failed to record reputation entry", err)
	}
	return nil
}

// CountViolations counts non-revoked reputation entries for an agent with
// the given primary tag.
func (s *ChainStore) CountViolations(ctx context.Context, agentUUID, tag string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ReputationEntry{}).
		Where("agent_uuid = ? AND tag1 = ? AND revoked = ?", agentUUID, tag, false).
		Count(&count).Error
	if err != nil {
		return 0, kagami.NewPersistenceError("failed to count violations", err)
	}
	return count, nil
}

// RecordReward appends one cooperation reward.
func (s *ChainStore) RecordReward(ctx context.Context, reward *CooperationReward) error {
	if err := s.db.WithContext(ctx).Create(reward).Error; err != nil {
		return kagami.NewPersistenceError("failed to record cooperation reward", err)
	}
	return nil
}

// RewardPoints sums an agent's accumulated reward points.
func (s *ChainStore) RewardPoints(ctx context.Context, agentUUID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&CooperationReward{}).
		Where("agent_uuid = ?", agentUUID).
		Select("COALESCE(SUM(reward_points), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, kagami.NewPersistenceError("failed to sum reward points", err)
	}
	return total, nil
}

// Deposit adds collateral to an agent's stake, creating the row if needed.
func (s *ChainStore) Deposit(ctx context.Context, agentUUID string, amountUSDC float64) error {
	return s.withStake(ctx, agentUUID, func(stake *AgentStake) {
		stake.StakedUSDC += amountUSDC
	})
}

// Slash forfeits a fraction of the agent's remaining stake scaled by cycle
// depth: 10% per depth unit, capped at 50%. Returns the slashed amount.
func (s *ChainStore) Slash(ctx context.Context, agentUUID string, cycleDepth int) (float64, error) {
	var slashed float64
	err := s.withStake(ctx, agentUUID, func(stake *AgentStake) {
		fraction := 0.10 * float64(cycleDepth)
		if fraction > 0.50 {
			fraction = 0.50
		}
		remaining := stake.StakedUSDC - stake.SlashedUSDC
		if remaining < 0 {
			remaining = 0
		}
		slashed = remaining * fraction
		stake.SlashedUSDC += slashed
	})
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("agent_uuid", agentUUID).Int("cycle_depth", cycleDepth).
		Float64("slashed_usdc", slashed).Msg("stake slashed for cycle violation")
	return slashed, nil
}

// SlashValue forfeits a fixed USDC amount from the agent's remaining
// stake, bounded by what is actually available. Returns the slashed amount.
func (s *ChainStore) SlashValue(ctx context.Context, agentUUID string, amountUSDC float64) (float64, error) {
	var slashed float64
	err := s.withStake(ctx, agentUUID, func(stake *AgentStake) {
		remaining := stake.StakedUSDC - stake.SlashedUSDC
		if remaining < 0 {
			remaining = 0
		}
		slashed = amountUSDC
		if slashed > remaining {
			slashed = remaining
		}
		stake.SlashedUSDC += slashed
	})
	if err != nil {
		return 0, err
	}
	return slashed, nil
}

// StakeOf returns the agent's stake record, zero-valued when the agent has
// never staked.
func (s *ChainStore) StakeOf(ctx context.Context, agentUUID string) (AgentStake, error) {
	var stake AgentStake
	err := s.db.WithContext(ctx).Where("agent_uuid = ?", agentUUID).First(&stake).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AgentStake{AgentUUID: agentUUID}, nil
		}
		return AgentStake{}, kagami.NewPersistenceError("failed to load stake", err)
	}
	return stake, nil
}

// withStake loads (or initializes) an agent's stake row, applies mutate,
// and saves it.
func (s *ChainStore) withStake(ctx context.Context, agentUUID string, mutate func(*AgentStake)) error {
	var stake AgentStake
	err := s.db.WithContext(ctx).Where("agent_uuid = ?", agentUUID).First(&stake).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		stake = AgentStake{AgentUUID: agentUUID}
	case err != nil:
		return kagami.NewPersistenceError("failed to load stake", err)
	}

	mutate(&stake)

	if err := s.db.WithContext(ctx).Save(&stake).Error; err != nil {
		return kagami.NewPersistenceError("failed to save stake", err)
	}
	return nil
}

// RecordIncident appends one MEV incident.
func (s *ChainStore) RecordIncident(ctx context.Context, incident *MEVIncident) error {
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		return kagami.NewPersistenceError("failed to record MEV incident", err)
	}
	return nil
}

// isDuplicateKey detects unique-constraint violations across GORM's
// translated error and SQLite's raw message.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
