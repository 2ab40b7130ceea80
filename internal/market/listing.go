package market

import (
	"sort"
	"strings"
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// MaxSearchResults caps SearchTickerInfo.
const MaxSearchResults = 8

// listingState indexes static ticker metadata for search.
type listingState struct {
	mu sync.RWMutex

	// Ticker info by instrument key.
	infos map[string]model.TickerInfo

	// Instrument keys sorted by symbol, then venue, for deterministic search.
	sorted []string
}

func newListingState() *listingState {
	return &listingState{infos: make(map[string]model.TickerInfo)}
}

// upsert adds or replaces the info for the instrument.
func (s *listingState) upsert(info model.TickerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := info.Ticker.Key()
	if prev, ok := s.infos[key]; ok {
		if prev.Ticker.String() == info.Ticker.String() {
			s.infos[key] = info
			return
		}
		// The sort position moves with the venue.
		s.remove(key, prev.Ticker.String())
	}
	i := s.position(info.Ticker.String())
	s.sorted = append(s.sorted, "")
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = key
	s.infos[key] = info
}

// position returns the first index in sorted whose ticker is not less than
// name.
func (s *listingState) position(name string) int {
	return sort.Search(len(s.sorted), func(i int) bool {
		return s.infos[s.sorted[i]].Ticker.String() >= name
	})
}

func (s *listingState) remove(key, name string) {
	for i := s.position(name); i < len(s.sorted); i++ {
		if s.sorted[i] == key {
			s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
			return
		}
	}
}

// get returns the info for an instrument key.
func (s *listingState) get(key string) (model.TickerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[key]
	return info, ok
}

// search matches case-insensitively, in four passes: symbol prefix, name
// prefix, symbol substring, name substring. Each pass runs in symbol order.
func (s *listingState) search(query string) []model.TickerInfo {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	passes := []func(info model.TickerInfo) bool{
		func(info model.TickerInfo) bool { return strings.HasPrefix(strings.ToUpper(info.Ticker.Symbol), q) },
		func(info model.TickerInfo) bool { return strings.HasPrefix(strings.ToUpper(info.Name), q) },
		func(info model.TickerInfo) bool { return strings.Contains(strings.ToUpper(info.Ticker.Symbol), q) },
		func(info model.TickerInfo) bool { return strings.Contains(strings.ToUpper(info.Name), q) },
	}

	seen := make(map[string]struct{})
	var out []model.TickerInfo
	for _, match := range passes {
		for _, key := range s.sorted {
			if _, ok := seen[key]; ok {
				continue
			}
			info := s.infos[key]
			if !match(info) {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, info)
			if len(out) == MaxSearchResults {
				return out
			}
		}
	}
	return out
}
