package histstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/mdregistry/internal/model"
)

func TestBuildLoadSQL(t *testing.T) {
	const base = "SELECT seq, ts, payload FROM market_data WHERE data_type = $1 AND idx = $2"
	tests := []struct {
		name     string
		r        Range
		limit    SnapshotLimit
		filtered bool
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "live unlimited",
			r:        Live(),
			wantSQL:  base + " ORDER BY seq ASC",
			wantArgs: 2,
		},
		{
			name:     "bounded head",
			r:        SequenceRange(5, 10),
			limit:    HeadLimit(3),
			wantSQL:  base + " AND seq >= $3 AND seq <= $4 ORDER BY seq ASC LIMIT $5",
			wantArgs: 5,
		},
		{
			name:     "tail descends",
			r:        Live(),
			limit:    TailLimit(1),
			wantSQL:  base + " ORDER BY seq DESC LIMIT $3",
			wantArgs: 3,
		},
		{
			name:     "filtered tail loads everything",
			r:        Since(2),
			limit:    TailLimit(1),
			filtered: true,
			wantSQL:  base + " AND seq >= $3 ORDER BY seq ASC",
			wantArgs: 3,
		},
		{
			name:     "time bounds",
			r:        Range{StartTime: baseTime, EndTime: baseTime},
			wantSQL:  base + " AND ts >= $3 AND ts <= $4 ORDER BY seq ASC",
			wantArgs: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildLoadSQL(model.TimeAndSaleType, "T.TSX", tt.r, tt.limit, tt.filtered)
			if sql != tt.wantSQL {
				t.Errorf("sql = %q\nwant  %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
			if args[0] != "TIME_AND_SALE" || args[1] != "T.TSX" {
				t.Errorf("args = %v, want data type and index first", args[:2])
			}
		})
	}
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"invalid text", &pgconn.PgError{Code: "22P02"}, true},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, false},
		{"network", errors.New("connection reset"), false},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "22003"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(classifyPgError(tt.err), ErrPermanent)
			if got != tt.permanent {
				t.Errorf("permanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}
