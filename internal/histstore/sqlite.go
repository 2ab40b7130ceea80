package histstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rickgao/mdregistry/internal/model"
)

// Record is a market_data row as mapped by gorm.
type Record struct {
	DataType string `gorm:"primaryKey;size:32"`
	Idx      string `gorm:"primaryKey;size:64"`
	Seq      int64  `gorm:"primaryKey;autoIncrement:false"`
	Ts       int64  `gorm:"index"` // Unix nanoseconds
	Payload  []byte
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "market_data" }

// MigrateSQLite creates the market_data table if missing.
func MigrateSQLite(db *gorm.DB) error {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("migrate market_data: %w", err)
	}
	return nil
}

// SQLiteStore persists one data type through gorm. Intended for single-node
// deployments. The *gorm.DB is owned by the caller.
type SQLiteStore[T any] struct {
	db        *gorm.DB
	dataType  model.MarketDataType
	logger    *slog.Logger
	batchSize int
	closed    atomic.Bool
}

// NewSQLiteStore creates a store for dataType.
func NewSQLiteStore[T any](db *gorm.DB, dataType model.MarketDataType, logger *slog.Logger) *SQLiteStore[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore[T]{
		db:        db,
		dataType:  dataType,
		logger:    logger.With("data_type", dataType.String()),
		batchSize: 500,
	}
}

// Store inserts values, ignoring rows that already exist.
func (s *SQLiteStore[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}

	records := make([]Record, 0, len(values))
	for _, v := range values {
		payload, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("%w: encode %s payload: %v", ErrPermanent, s.dataType, err)
		}
		records = append(records, Record{
			DataType: s.dataType.String(),
			Idx:      v.Index,
			Seq:      int64(v.Sequence),
			Ts:       v.Timestamp.UnixNano(),
			Payload:  payload,
		})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&records, s.batchSize).Error
	if err != nil {
		return fmt.Errorf("insert market_data: %w", err)
	}
	return nil
}

// Load selects matching rows ordered by sequence.
func (s *SQLiteStore[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	tx := s.db.WithContext(ctx).
		Where("data_type = ? AND idx = ?", s.dataType.String(), q.Index)
	if q.Range.Start > model.FirstSequence {
		tx = tx.Where("seq >= ?", int64(q.Range.Start))
	}
	if end := q.Range.end(); end != model.LastSequence {
		tx = tx.Where("seq <= ?", int64(end))
	}
	if !q.Range.StartTime.IsZero() {
		tx = tx.Where("ts >= ?", q.Range.StartTime.UnixNano())
	}
	if !q.Range.EndTime.IsZero() {
		tx = tx.Where("ts <= ?", q.Range.EndTime.UnixNano())
	}

	filtered := q.Filter != nil
	desc := descending(q.Limit, filtered)
	if desc {
		tx = tx.Order("seq DESC")
	} else {
		tx = tx.Order("seq ASC")
	}
	if !filtered && q.Limit.Kind != Unlimited && q.Limit.Size >= 0 {
		tx = tx.Limit(q.Limit.Size)
	}

	var records []Record
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query market_data: %w", err)
	}

	out := make([]model.Sequenced[T], 0, len(records))
	for _, r := range records {
		var value T
		if err := json.Unmarshal(r.Payload, &value); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", s.dataType, err)
		}
		if filtered && !q.Filter(value) {
			continue
		}
		out = append(out, model.Sequenced[T]{
			Value:     value,
			Index:     r.Idx,
			Sequence:  model.Sequence(r.Seq),
			Timestamp: time.Unix(0, r.Ts).UTC(),
		})
	}
	if desc {
		reverse(out)
	}
	return ApplyLimit(out, q.Limit), nil
}

// Close marks the store closed.
func (s *SQLiteStore[T]) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}
