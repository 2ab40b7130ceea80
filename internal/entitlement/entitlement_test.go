package entitlement

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rickgao/mdregistry/internal/model"
)

func level1(group string, venue model.Venue) Entry {
	return Entry{
		Name:     group,
		Price:    model.NewMoney("10"),
		Currency: "USD",
		Group:    group,
		Applicability: map[Key]TypeSet{
			NewKey(venue): NewTypeSet(model.BboQuoteType, model.TimeAndSaleType),
		},
	}
}

func TestDatabase(t *testing.T) {
	t.Run("AddDuplicateGroup", func(t *testing.T) {
		db := NewDatabase()
		if err := db.Add(level1("nyse", "XNYS")); err != nil {
			t.Fatalf("Add: %v", err)
		}
		err := db.Add(level1("nyse", "XNAS"))
		if !errors.Is(err, ErrDuplicateGroup) {
			t.Errorf("Add duplicate error = %v, want ErrDuplicateGroup", err)
		}
		if got := len(db.Entries()); got != 1 {
			t.Errorf("len(Entries) = %d, want 1", got)
		}
	})

	t.Run("RemoveAbsentIsNoop", func(t *testing.T) {
		db := NewDatabase()
		db.Add(level1("nyse", "XNYS"))
		db.Remove("missing")
		if got := len(db.Entries()); got != 1 {
			t.Errorf("len(Entries) = %d, want 1", got)
		}
		db.Remove("nyse")
		if got := len(db.Entries()); got != 0 {
			t.Errorf("len(Entries) = %d, want 0", got)
		}
	})

	t.Run("EntriesOrderedCopies", func(t *testing.T) {
		db := NewDatabase()
		db.Add(level1("b", "XNYS"))
		db.Add(level1("a", "XNAS"))

		entries := db.Entries()
		if entries[0].Group != "b" || entries[1].Group != "a" {
			t.Errorf("Entries order = [%s %s], want [b a]", entries[0].Group, entries[1].Group)
		}

		entries[0].Applicability[NewKey("TSX")] = AllTypes
		if _, ok := db.Entries()[0].Applicability[NewKey("TSX")]; ok {
			t.Error("mutating a returned entry changed the database")
		}
	})
}

func TestResolve(t *testing.T) {
	db := NewDatabase()
	db.Add(level1("nyse", "XNYS"))
	db.Add(Entry{
		Name:  "nasdaq book",
		Group: "nasdaq",
		Applicability: map[Key]TypeSet{
			{Destination: "XNAS", Source: "ARCX"}: NewTypeSet(model.BookQuoteType),
		},
	})

	set := Resolve(db, []string{"nyse"})
	if !set.Has(NewKey("XNYS"), model.BboQuoteType) {
		t.Error("expected XNYS BBO to be granted")
	}
	if set.Has(NewKey("XNYS"), model.BookQuoteType) {
		t.Error("expected XNYS book to be denied")
	}
	if set.Has(NewKey("XNAS"), model.BboQuoteType) {
		t.Error("expected XNAS BBO to be denied")
	}

	union := Resolve(db, []string{"nyse", "nasdaq"})
	if !union.Has(Key{Destination: "XNAS", Source: "ARCX"}, model.BookQuoteType) {
		t.Error("expected XNAS/ARCX book to be granted")
	}
	if union.Has(NewKey("XNAS"), model.BookQuoteType) {
		t.Error("expected XNAS/XNAS book to be denied")
	}
	if got := union.Keys(); got != 2 {
		t.Errorf("Keys() = %d, want 2", got)
	}

	// Resolved sets do not observe later database changes.
	db.Remove("nyse")
	if !set.Has(NewKey("XNYS"), model.BboQuoteType) {
		t.Error("resolved set changed after database mutation")
	}

	var empty Set
	if empty.Has(NewKey("XNYS"), model.BboQuoteType) {
		t.Error("zero Set should deny everything")
	}
}

func TestResolveAccount(t *testing.T) {
	db := NewDatabase()
	db.Add(level1("nyse", "XNYS"))
	db.Add(level1("tsx", "TSX"))

	dir := NewDirectory(
		Account{Name: "alice", Groups: []string{"tsx"}},
		Account{Name: "relay", Service: true},
	)

	alice := ResolveAccount(db, dir, "alice")
	if !alice.Has(NewKey("TSX"), model.TimeAndSaleType) || alice.Has(NewKey("XNYS"), model.TimeAndSaleType) {
		t.Error("alice should only hold TSX")
	}

	relay := ResolveAccount(db, dir, "relay")
	if !relay.Has(NewKey("TSX"), model.BboQuoteType) || !relay.Has(NewKey("XNYS"), model.BboQuoteType) {
		t.Error("service account should hold every entry")
	}

	if ResolveAccount(db, dir, "mallory").Keys() != 0 {
		t.Error("unknown account should hold nothing")
	}
}

func TestTypeSet(t *testing.T) {
	s := NewTypeSet(model.BookQuoteType, model.BboQuoteType)
	if got := s.String(); got != "{BBO_QUOTE,BOOK_QUOTE}" {
		t.Errorf("String() = %q, want %q", got, "{BBO_QUOTE,BOOK_QUOTE}")
	}
	if len(AllTypes.Types()) != len(model.AllMarketDataTypes) {
		t.Errorf("AllTypes has %d types, want %d", len(AllTypes.Types()), len(model.AllMarketDataTypes))
	}
}

func TestLoadFile(t *testing.T) {
	const content = `
entries:
  - name: NYSE Level 1
    price: "12.50"
    currency: USD
    group: nyse_l1
    applicability:
      - destination: XNYS
        types: [BBO_QUOTE, TIME_AND_SALE]
  - name: Nasdaq consolidated book
    group: nasdaq_book
    applicability:
      - destination: XNAS
        source: ARCX
        types: [book_quote]
accounts:
  - name: alice
    groups: [nyse_l1]
  - name: relay
    service: true
`
	path := filepath.Join(t.TempDir(), "entitlements.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	db, dir, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	entries := db.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(entries))
	}
	if !entries[0].Price.Equal(model.NewMoney("12.50")) {
		t.Errorf("Price = %s, want 12.50", entries[0].Price)
	}
	if !entries[1].Applicability[Key{Destination: "XNAS", Source: "ARCX"}].Has(model.BookQuoteType) {
		t.Error("expected XNAS/ARCX book grant")
	}
	if dir.Len() != 2 {
		t.Errorf("dir.Len() = %d, want 2", dir.Len())
	}
	if a, ok := dir.Lookup("relay"); !ok || !a.Service {
		t.Errorf("Lookup(relay) = %+v, %v; want service account", a, ok)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate group", "entries:\n  - {name: a, group: g}\n  - {name: b, group: g}\n"},
		{"missing group", "entries:\n  - {name: a}\n"},
		{"bad type", "entries:\n  - name: a\n    group: g\n    applicability:\n      - {destination: X, types: [LEVEL3]}\n"},
		{"bad price", "entries:\n  - {name: a, group: g, price: abc}\n"},
		{"unnamed account", "accounts:\n  - {groups: [g]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Parse([]byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
