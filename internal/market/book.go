package market

import (
	"sort"

	"github.com/tidwall/btree"

	"github.com/rickgao/mdregistry/internal/model"
)

// bookKey identifies one contribution to a book side. A source replaces only
// its own quote for a given originating venue.
type bookKey struct {
	source model.SourceID
	venue  model.Venue
}

type bookEntry struct {
	key   bookKey
	quote model.Sequenced[model.BookQuote]
}

// bookSide is one side of the aggregate book: a lookup by key plus an
// ordered ladder, best first.
type bookSide struct {
	side    model.Side
	entries map[bookKey]*bookEntry
	ladder  *btree.BTreeG[*bookEntry]
}

func newBookSide(side model.Side) *bookSide {
	b := &bookSide{
		side:    side,
		entries: make(map[bookKey]*bookEntry),
	}
	b.ladder = btree.NewBTreeGOptions(b.less, btree.Options{NoLocks: true})
	return b
}

// less orders by price priority, then larger size, then source and venue so
// the ladder is independent of arrival order.
func (b *bookSide) less(x, y *bookEntry) bool {
	if c := x.quote.Value.Quote.Price.Cmp(y.quote.Value.Quote.Price); c != 0 {
		if b.side == model.SideBid {
			return c > 0
		}
		return c < 0
	}
	if x.quote.Value.Quote.Size != y.quote.Value.Quote.Size {
		return x.quote.Value.Quote.Size > y.quote.Value.Quote.Size
	}
	if x.key.source != y.key.source {
		return x.key.source < y.key.source
	}
	return x.key.venue < y.key.venue
}

// get returns the entry for key.
func (b *bookSide) get(key bookKey) (*bookEntry, bool) {
	e, ok := b.entries[key]
	return e, ok
}

// set inserts or replaces the entry for e.key.
func (b *bookSide) set(e *bookEntry) {
	if old, ok := b.entries[e.key]; ok {
		b.ladder.Delete(old)
	}
	b.entries[e.key] = e
	b.ladder.Set(e)
}

// remove deletes the entry for key. Returns false if absent.
func (b *bookSide) remove(key bookKey) (*bookEntry, bool) {
	old, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	b.ladder.Delete(old)
	delete(b.entries, key)
	return old, true
}

// removeSource deletes every entry contributed by source.
func (b *bookSide) removeSource(source model.SourceID) []*bookEntry {
	var removed []*bookEntry
	for key, e := range b.entries {
		if key.source == source {
			removed = append(removed, e)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return b.less(removed[i], removed[j]) })
	for _, e := range removed {
		b.ladder.Delete(e)
		delete(b.entries, e.key)
	}
	return removed
}

// best returns the top of the ladder.
func (b *bookSide) best() (model.Sequenced[model.BookQuote], bool) {
	e, ok := b.ladder.Min()
	if !ok {
		return model.Sequenced[model.BookQuote]{}, false
	}
	return e.quote, true
}

// snapshot copies the ladder, best first.
func (b *bookSide) snapshot() []model.Sequenced[model.BookQuote] {
	out := make([]model.Sequenced[model.BookQuote], 0, b.ladder.Len())
	b.ladder.Scan(func(e *bookEntry) bool {
		out = append(out, e.quote)
		return true
	})
	return out
}

func (b *bookSide) len() int {
	return len(b.entries)
}
