package histstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/mdregistry/internal/model"
)

// PgxConn is the subset of *pgxpool.Pool used by PostgresStore.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS market_data (
	data_type TEXT        NOT NULL,
	idx       TEXT        NOT NULL,
	seq       BIGINT      NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	payload   JSONB       NOT NULL,
	PRIMARY KEY (data_type, idx, seq)
);
CREATE INDEX IF NOT EXISTS market_data_ts_idx ON market_data (data_type, idx, ts);
`

// EnsurePostgresSchema creates the market_data table if missing.
func EnsurePostgresSchema(ctx context.Context, db PgxConn) error {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create market_data schema: %w", err)
	}
	return nil
}

// PostgresStore persists one data type into the shared market_data table.
// The connection pool is owned by the caller; Close does not close it.
type PostgresStore[T any] struct {
	db       PgxConn
	dataType model.MarketDataType
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewPostgresStore creates a store for dataType.
func NewPostgresStore[T any](db PgxConn, dataType model.MarketDataType, logger *slog.Logger) *PostgresStore[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore[T]{
		db:       db,
		dataType: dataType,
		logger:   logger.With("data_type", dataType.String()),
	}
}

// Store inserts values using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresStore[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range values {
		payload, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("%w: encode %s payload: %v", ErrPermanent, s.dataType, err)
		}
		batch.Queue(`
			INSERT INTO market_data (data_type, idx, seq, ts, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (data_type, idx, seq) DO NOTHING
		`, s.dataType.String(), v.Index, int64(v.Sequence), v.Timestamp.UTC(), payload)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range values {
		ct, err := results.Exec()
		if err != nil {
			return classifyPgError(err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	if conflicts > 0 {
		s.logger.Debug("skipped duplicate rows", "count", conflicts)
	}
	return nil
}

// Load selects matching rows ordered by sequence.
func (s *PostgresStore[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sql, args := buildLoadSQL(s.dataType, q.Index, q.Range, q.Limit, q.Filter != nil)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query market_data: %w", err)
	}
	defer rows.Close()

	var out []model.Sequenced[T]
	for rows.Next() {
		var (
			seq     int64
			ts      time.Time
			payload []byte
		)
		if err := rows.Scan(&seq, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan market_data: %w", err)
		}
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", s.dataType, err)
		}
		v := model.Sequenced[T]{Value: value, Index: q.Index, Sequence: model.Sequence(seq), Timestamp: ts}
		if q.Filter != nil && !q.Filter(value) {
			continue
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read market_data: %w", err)
	}

	if descending(q.Limit, q.Filter != nil) {
		reverse(out)
	}
	return ApplyLimit(out, q.Limit), nil
}

// Close marks the store closed.
func (s *PostgresStore[T]) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

// buildLoadSQL renders the range query. Limits are pushed into SQL only when
// no filter runs afterwards; tail limits then select in descending order.
func buildLoadSQL(dataType model.MarketDataType, index string, r Range, limit SnapshotLimit, filtered bool) (string, []any) {
	var sb strings.Builder
	args := []any{dataType.String(), index}

	sb.WriteString("SELECT seq, ts, payload FROM market_data WHERE data_type = $1 AND idx = $2")
	if r.Start > model.FirstSequence {
		args = append(args, int64(r.Start))
		fmt.Fprintf(&sb, " AND seq >= $%d", len(args))
	}
	if end := r.end(); end != model.LastSequence {
		args = append(args, int64(end))
		fmt.Fprintf(&sb, " AND seq <= $%d", len(args))
	}
	if !r.StartTime.IsZero() {
		args = append(args, r.StartTime.UTC())
		fmt.Fprintf(&sb, " AND ts >= $%d", len(args))
	}
	if !r.EndTime.IsZero() {
		args = append(args, r.EndTime.UTC())
		fmt.Fprintf(&sb, " AND ts <= $%d", len(args))
	}

	if descending(limit, filtered) {
		sb.WriteString(" ORDER BY seq DESC")
	} else {
		sb.WriteString(" ORDER BY seq ASC")
	}
	if !filtered && limit.Kind != Unlimited && limit.Size >= 0 {
		args = append(args, limit.Size)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

// descending reports whether a tail limit is evaluated in SQL.
func descending(limit SnapshotLimit, filtered bool) bool {
	return !filtered && limit.Kind == Tail && limit.Size >= 0
}

// classifyPgError marks data exceptions (SQLSTATE class 22) as permanent.
// Schema and privilege errors are left retriable since an operator can fix
// them without the buffered values changing.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return fmt.Errorf("insert market_data: %w", err)
}

func reverse[T any](values []T) {
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
}
