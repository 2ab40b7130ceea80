package histstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rickgao/mdregistry/internal/model"
)

func openTestSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := MigrateSQLite(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	s := NewSQLiteStore[model.TimeAndSale](db, model.TimeAndSaleType, nil)

	if err := s.Store(ctx, tas("T.TSX", 1, "1.01"), tas("T.TSX", 2, "1.02"), tas("T.TSX", 3, "1.03")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Duplicates are ignored.
	if err := s.Store(ctx, tas("T.TSX", 2, "9.99")); err != nil {
		t.Fatalf("Store duplicate: %v", err)
	}

	got, err := s.Load(ctx, Query[model.TimeAndSale]{Index: "T.TSX", Range: Live()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !equalSequences(sequences(got), 1, 2, 3) {
		t.Fatalf("Load = %v, want [1 2 3]", sequences(got))
	}
	if !got[1].Value.Price.Equal(model.NewMoney("1.02")) {
		t.Errorf("Price = %s, want 1.02", got[1].Value.Price)
	}
	if !got[0].Timestamp.Equal(tas("T.TSX", 1, "1").Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, tas("T.TSX", 1, "1").Timestamp)
	}

	tail, _ := s.Load(ctx, Query[model.TimeAndSale]{Index: "T.TSX", Range: Live(), Limit: TailLimit(2)})
	if !equalSequences(sequences(tail), 2, 3) {
		t.Errorf("tail = %v, want [2 3]", sequences(tail))
	}

	// Other data types share the table without colliding.
	bbo := NewSQLiteStore[model.BboQuote](db, model.BboQuoteType, nil)
	other, _ := bbo.Load(ctx, Query[model.BboQuote]{Index: "T.TSX", Range: Live()})
	if len(other) != 0 {
		t.Errorf("BBO load = %d values, want 0", len(other))
	}

	s.Close(ctx)
	if _, err := s.Load(ctx, Query[model.TimeAndSale]{Index: "T.TSX"}); err != ErrClosed {
		t.Errorf("Load after close = %v, want ErrClosed", err)
	}
}
