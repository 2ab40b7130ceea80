package service

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
)

// subscription is one live query. A subscription starts pending: values
// published while its snapshot loads are held in pending until commit.
type subscription[T any] struct {
	id      uint64
	session *Session
	query   histstore.Query[T]
	live    bool
	pending []model.Sequenced[T]
}

func (s *subscription[T]) accepts(v model.Sequenced[T]) bool {
	if !s.query.Range.Contains(v.Sequence, v.Timestamp) {
		return false
	}
	return s.query.Filter == nil || s.query.Filter(v.Value)
}

// subscriptions is the table of live queries for one market data type.
// At most one subscription exists per (session, index).
type subscriptions[T any] struct {
	dataType model.MarketDataType
	nextID   func() uint64

	mu        sync.Mutex
	byIndex   map[string]map[uint64]*subscription[T]
	bySession map[uuid.UUID]map[string]uint64
}

func newSubscriptions[T any](t model.MarketDataType, nextID func() uint64) *subscriptions[T] {
	return &subscriptions[T]{
		dataType:  t,
		nextID:    nextID,
		byIndex:   make(map[string]map[uint64]*subscription[T]),
		bySession: make(map[uuid.UUID]map[string]uint64),
	}
}

// initialize registers a pending subscription, replacing any the session
// already holds on the same index.
func (t *subscriptions[T]) initialize(session *Session, q histstore.Query[T]) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.bySession[session.ID][q.Index]; ok {
		t.removeLocked(session.ID, q.Index, old)
	}

	sub := &subscription[T]{
		id:      t.nextID(),
		session: session,
		query:   q,
	}
	subs, ok := t.byIndex[q.Index]
	if !ok {
		subs = make(map[uint64]*subscription[T])
		t.byIndex[q.Index] = subs
	}
	subs[sub.id] = sub

	indexes, ok := t.bySession[session.ID]
	if !ok {
		indexes = make(map[string]uint64)
		t.bySession[session.ID] = indexes
	}
	indexes[q.Index] = sub.id
	return sub.id
}

// commit appends the values published since initialize to snapshot and
// switches the subscription to live delivery. reply, if not nil, runs before
// any live value can be delivered.
func (t *subscriptions[T]) commit(index string, id uint64, snapshot []model.Sequenced[T], reply func(QueryResult[T])) QueryResult[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := QueryResult[T]{ID: id, Index: index, Snapshot: snapshot}
	sub, ok := t.byIndex[index][id]
	if ok {
		var last model.Sequence
		if n := len(snapshot); n > 0 {
			last = snapshot[n-1].Sequence
		}
		for _, v := range sub.pending {
			if v.Sequence > last {
				result.Snapshot = append(result.Snapshot, v)
				last = v.Sequence
			}
		}
		sub.pending = nil
		sub.live = true
	} else {
		// Ended while the snapshot loaded.
		result.ID = 0
	}

	if reply != nil {
		reply(result)
	}
	return result
}

// publish delivers v to every subscriber of its index that allow admits.
func (t *subscriptions[T]) publish(v model.Sequenced[T], allow func(*Session) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for _, sub := range t.byIndex[v.Index] {
		if !sub.accepts(v) {
			continue
		}
		if allow != nil && !allow(sub.session) {
			continue
		}
		if !sub.live {
			sub.pending = append(sub.pending, v)
			continue
		}
		if sub.session.deliver(Message{
			QueryID: sub.id,
			Type:    t.dataType,
			Index:   v.Index,
			Value:   v,
		}) {
			delivered++
		}
	}
	return delivered
}

// end removes the session's subscription id on index. Reports whether it
// existed.
func (t *subscriptions[T]) end(session *Session, index string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.byIndex[index][id]
	if !ok || sub.session.ID != session.ID {
		return false
	}
	t.removeLocked(session.ID, index, id)
	return true
}

// closeSession removes every subscription the session owns.
func (t *subscriptions[T]) closeSession(session *Session) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	indexes := t.bySession[session.ID]
	n := len(indexes)
	for index, id := range indexes {
		t.removeLocked(session.ID, index, id)
	}
	return n
}

func (t *subscriptions[T]) removeLocked(sessionID uuid.UUID, index string, id uint64) {
	if subs, ok := t.byIndex[index]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(t.byIndex, index)
		}
	}
	if indexes, ok := t.bySession[sessionID]; ok {
		if indexes[index] == id {
			delete(indexes, index)
		}
		if len(indexes) == 0 {
			delete(t.bySession, sessionID)
		}
	}
}

// count returns the number of subscriptions.
func (t *subscriptions[T]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, subs := range t.byIndex {
		n += len(subs)
	}
	return n
}
