// Package store is the persistence layer backing the reconciliation seal
// (spec §4.1/§6): open positions, bootstrap runtime-state keys, and a
// rolling window of pool snapshots for rebuilding rollingstat.Stat after a
// restart. Adapted from the teacher's internal/db MySQLRecorder, which used
// the identical gorm.Open/AutoMigrate/logger.Default pattern for a single
// asset_snapshots table.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PositionRecord is the durable row backing an in-flight Position. It is
// the source of truth the reconciliation seal hydrates from at startup.
type PositionRecord struct {
	ID               string    `gorm:"primaryKey"`
	PoolAddress      string    `gorm:"index;not null"`
	EntrySize        string    `gorm:"type:varchar(78);not null"`
	EntryAt          time.Time `gorm:"not null"`
	EntryFeeVelocity string    `gorm:"type:varchar(78);not null"`
	EntryRegime      string    `gorm:"not null"`
	EntryScore       string    `gorm:"type:varchar(78);not null"`
	State            string    `gorm:"index;not null"`
	AccumulatedFees  string    `gorm:"type:varchar(78);not null"`
	UnrealizedPnL    string    `gorm:"type:varchar(78);not null"`
	RebalanceCount   int       `gorm:"not null"`
	ClosedAt         *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (PositionRecord) TableName() string { return "positions" }

// RuntimeStateRecord is a bootstrap key/value row (spec §6): last-seen
// cursor, seal RunID, and other restart-survival markers that are not
// naturally columns of a position or snapshot.
type RuntimeStateRecord struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (RuntimeStateRecord) TableName() string { return "runtime_state" }

// PoolSnapshotRecord retains enough of each cycle's pool observation to
// rebuild the rollingstat.Stat windows (120-sample / ~6h per spec §3) after
// a restart without waiting out a fresh warmup period.
type PoolSnapshotRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	PoolAddress    string    `gorm:"index;not null"`
	ObservedAt     time.Time `gorm:"index;not null"`
	FeeIntensity   string    `gorm:"type:varchar(78);not null"`
	VolumeInRange  string    `gorm:"type:varchar(78);not null"`
	BinStability   string    `gorm:"type:varchar(78);not null"`
	ChurnQuality   string    `gorm:"type:varchar(78);not null"`
}

func (PoolSnapshotRecord) TableName() string { return "pool_snapshots" }

// SnapshotRetention bounds how far back RecentSnapshots looks, matching
// the 6-hour cooldown/rebuild horizon used elsewhere in the engine.
const SnapshotRetention = 6 * time.Hour

// Store wraps a GORM connection with the three tables above.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL and migrates the schema, mirroring the teacher's
// NewMySQLRecorder.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return OpenWithDB(db)
}

// OpenWithDB wraps an already-constructed *gorm.DB and migrates the schema;
// Open calls it after connecting. Tests use OpenWithRawDB or a bare Store
// instead, which skip the migration.
func OpenWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&PositionRecord{}, &RuntimeStateRecord{}, &PoolSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithRawDB wraps an already-constructed *gorm.DB without running
// AutoMigrate, for package-external tests (go-sqlmock fixtures) that would
// otherwise have to mock the migrator's schema-introspection queries just
// to exercise a single query or exec.
func OpenWithRawDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpsertPosition writes or updates one position row.
func (s *Store) UpsertPosition(rec PositionRecord) error {
	result := s.db.Save(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert position: %w", result.Error)
	}
	return nil
}

// OpenPositions loads every position row without a ClosedAt, the
// reconciliation seal's hydration source (spec §4.1).
func (s *Store) OpenPositions() ([]PositionRecord, error) {
	var records []PositionRecord
	result := s.db.Where("closed_at IS NULL").Order("entry_at ASC").Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", result.Error)
	}
	return records, nil
}

// SetRuntimeState writes a bootstrap key/value pair.
func (s *Store) SetRuntimeState(key, value string) error {
	rec := RuntimeStateRecord{Key: key, Value: value}
	result := s.db.Save(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to set runtime state %q: %w", key, result.Error)
	}
	return nil
}

// GetRuntimeState reads a bootstrap key, returning ("", nil) if unset.
func (s *Store) GetRuntimeState(key string) (string, error) {
	var rec RuntimeStateRecord
	result := s.db.Where("key = ?", key).First(&rec)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get runtime state %q: %w", key, result.Error)
	}
	return rec.Value, nil
}

// RecordPoolSnapshot appends one cycle's observation for later rebuild.
func (s *Store) RecordPoolSnapshot(rec PoolSnapshotRecord) error {
	result := s.db.Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to record pool snapshot: %w", result.Error)
	}
	return nil
}

// RecentSnapshots loads every snapshot for a pool observed within
// SnapshotRetention of now, oldest first, for rollingstat.Stat rebuild.
func (s *Store) RecentSnapshots(poolAddress string, now time.Time) ([]PoolSnapshotRecord, error) {
	var records []PoolSnapshotRecord
	cutoff := now.Add(-SnapshotRetention)
	result := s.db.Where("pool_address = ? AND observed_at >= ?", poolAddress, cutoff).
		Order("observed_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load recent snapshots: %w", result.Error)
	}
	return records, nil
}

// SnapshotCounts returns the total number of pool_snapshots rows observed
// within SnapshotRetention of now, and a per-pool count, feeding the
// bootstrap warm-start decision of spec §6 (">50 total OR >=3 pools with
// >=15 snapshots each" skips a fresh bootstrap window).
func (s *Store) SnapshotCounts(now time.Time) (total int, perPool map[string]int64, err error) {
	cutoff := now.Add(-SnapshotRetention)
	var rows []struct {
		PoolAddress string
		Count       int64
	}
	result := s.db.Model(&PoolSnapshotRecord{}).
		Select("pool_address, count(*) as count").
		Where("observed_at >= ?", cutoff).
		Group("pool_address").
		Find(&rows)
	if result.Error != nil {
		return 0, nil, fmt.Errorf("failed to count pool snapshots: %w", result.Error)
	}
	perPool = make(map[string]int64, len(rows))
	for _, r := range rows {
		perPool[r.PoolAddress] = r.Count
		total += int(r.Count)
	}
	return total, perPool, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
