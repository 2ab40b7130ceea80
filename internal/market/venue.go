package market

import (
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// venueEntry sequences market-wide data for one venue.
type venueEntry struct {
	mu    sync.Mutex
	venue model.Venue
	next  model.Sequence
	last  model.Sequenced[model.OrderImbalance]
}

func newVenueEntry(venue model.Venue, next model.Sequence) *venueEntry {
	return &venueEntry{venue: venue, next: next}
}

func (e *venueEntry) publishOrderImbalance(imb model.OrderImbalance) model.Sequenced[model.OrderImbalance] {
	e.last = model.Sequenced[model.OrderImbalance]{
		Value:     imb,
		Index:     string(e.venue),
		Sequence:  e.next,
		Timestamp: imb.Timestamp,
	}
	e.next++
	return e.last
}
