package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// TrialRow is one row of the append-only trial_records table. The full
// record is kept as JSONB next to the columns used for querying.
type TrialRow struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	TrialID          string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	Query            string    `gorm:"type:text;not null"`
	Intent           string    `gorm:"type:varchar(100);index"`
	State            string    `gorm:"type:varchar(32);not null;index"`
	FailureKind      string    `gorm:"type:varchar(32)"`
	QualityPassed    bool      `gorm:"not null;default:false"`
	CostEstimate     float64   `gorm:"not null;default:0"`
	ProcessingTimeMs int64     `gorm:"not null;default:0"`
	Payload          string    `gorm:"type:jsonb;not null"`
	RecordedAt       time.Time `gorm:"not null;index"`
}

// TableName overrides the gorm default of "trial_rows".
func (TrialRow) TableName() string {
	return "trial_records"
}

// NewTrialRow converts a record to its row form.
func NewTrialRow(record domain.TrialRecord) (TrialRow, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return TrialRow{}, err
	}
	recordedAt, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		recordedAt = time.Now().UTC()
	}
	var failureKind string
	if record.FailureKind != domain.ErrorKindUnknown {
		failureKind = record.FailureKind.String()
	}
	return TrialRow{
		TrialID:          record.TrialID,
		Query:            record.Query,
		Intent:           record.Intent,
		State:            string(record.State),
		FailureKind:      failureKind,
		QualityPassed:    record.QualityReport != nil && record.QualityReport.Passed,
		CostEstimate:     record.CostEstimate,
		ProcessingTimeMs: record.ProcessingTimeMs,
		Payload:          string(payload),
		RecordedAt:       recordedAt,
	}, nil
}

// PostgresRecorder inserts records into trial_records.
type PostgresRecorder struct {
	db *gorm.DB
}

var _ ports.TrialRecorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder opens dsn and migrates the trial_records table.
func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TrialRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate trial_records: %w", err)
	}
	return &PostgresRecorder{db: db}, nil
}

// Record inserts one row per trial. A repeated trial ID violates the
// unique index and is returned as a RecorderError.
func (r *PostgresRecorder) Record(ctx context.Context, record domain.TrialRecord) error {
	row, err := NewTrialRow(record)
	if err != nil {
		return ports.NewRecorderError(SinkPostgres, record.TrialID, fmt.Errorf("marshal: %w", err))
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ports.NewRecorderError(SinkPostgres, record.TrialID, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *PostgresRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
