package entitlement

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// ErrDuplicateGroup is returned by Database.Add when the group already has an entry.
var ErrDuplicateGroup = errors.New("duplicate entitlement group")

// Key identifies a (listing venue, originating venue) pair.
type Key struct {
	Destination model.Venue
	Source      model.Venue
}

// NewKey returns the key for data originating from the venue it is listed on.
func NewKey(v model.Venue) Key {
	return Key{Destination: v, Source: v}
}

func (k Key) String() string {
	return string(k.Destination) + "/" + string(k.Source)
}

// TypeSet is a set of market data types.
type TypeSet uint8

// NewTypeSet returns a set holding the given types.
func NewTypeSet(types ...model.MarketDataType) TypeSet {
	var s TypeSet
	for _, t := range types {
		s |= 1 << uint(t)
	}
	return s
}

// AllTypes grants every market data type.
var AllTypes = NewTypeSet(model.AllMarketDataTypes...)

// Has reports whether t is in the set.
func (s TypeSet) Has(t model.MarketDataType) bool {
	if t < 0 || int(t) >= 8 {
		return false
	}
	return s&(1<<uint(t)) != 0
}

// Types returns the members in declaration order.
func (s TypeSet) Types() []model.MarketDataType {
	var out []model.MarketDataType
	for _, t := range model.AllMarketDataTypes {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s TypeSet) String() string {
	names := make([]string, 0, len(model.AllMarketDataTypes))
	for _, t := range s.Types() {
		names = append(names, t.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Entry is one purchasable entitlement bundle, granted to an account group.
type Entry struct {
	Name          string
	Price         model.Money
	Currency      string
	Group         string
	Applicability map[Key]TypeSet
}

func (e Entry) clone() Entry {
	c := e
	c.Applicability = make(map[Key]TypeSet, len(e.Applicability))
	for k, v := range e.Applicability {
		c.Applicability[k] = v
	}
	return c
}

// Database holds at most one Entry per group, in insertion order.
// Safe for concurrent use.
type Database struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{}
}

// Add registers an entry. Adding a second entry for the same group fails.
func (d *Database) Add(e Entry) error {
	if e.Group == "" {
		return fmt.Errorf("entitlement %q: group is required", e.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.entries {
		if existing.Group == e.Group {
			return fmt.Errorf("%w: %s", ErrDuplicateGroup, e.Group)
		}
	}
	d.entries = append(d.entries, e.clone())
	return nil
}

// Remove deletes the entry for group. No-op when absent.
func (d *Database) Remove(group string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.entries {
		if e.Group == group {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
}

// Entries returns copies of all entries in insertion order.
func (d *Database) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Entry, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.clone()
	}
	return out
}

// Set is a session's resolved capabilities. Immutable once built; the zero
// value grants nothing.
type Set struct {
	grants map[Key]TypeSet
}

// Resolve unions the applicability of every entry whose group is in groups.
func Resolve(db *Database, groups []string) Set {
	member := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		member[g] = struct{}{}
	}
	return resolve(db, func(e Entry) bool {
		_, ok := member[e.Group]
		return ok
	})
}

// ResolveAll unions every entry in the database. Used for service accounts.
func ResolveAll(db *Database) Set {
	return resolve(db, func(Entry) bool { return true })
}

func resolve(db *Database, match func(Entry) bool) Set {
	grants := make(map[Key]TypeSet)
	if db == nil {
		return Set{grants: grants}
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, e := range db.entries {
		if !match(e) {
			continue
		}
		for k, types := range e.Applicability {
			grants[k] |= types
		}
	}
	return Set{grants: grants}
}

// Has reports whether the set grants t for key.
func (s Set) Has(key Key, t model.MarketDataType) bool {
	return s.grants[key].Has(t)
}

// Keys returns the number of keys with at least one granted type.
func (s Set) Keys() int {
	n := 0
	for _, types := range s.grants {
		if types != 0 {
			n++
		}
	}
	return n
}
