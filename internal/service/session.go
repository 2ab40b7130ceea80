package service

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/router"
)

// Message is an item queued on a session's outbox.
//
// Updates carry a live value for a subscription. Replies carry a transport
// response and are queued through the same outbox so that a query's reply
// always precedes the first update of its subscription.
type Message struct {
	QueryID uint64
	Type    model.MarketDataType
	Index   string
	Value   any // model.Sequenced[T] of Type

	Reply any
}

// IsReply reports whether m is a transport reply rather than an update.
func (m Message) IsReply() bool {
	return m.Reply != nil
}

// Session is a client connection's view of the service. Its entitlements
// are resolved once, when the session is accepted.
type Session struct {
	ID           uuid.UUID
	Account      string
	Entitlements entitlement.Set
	Outbox       *router.GrowableBuffer[Message]

	logger       *slog.Logger
	closed       atomic.Bool
	overflowed   atomic.Bool
	overflowOnce sync.Once
}

// Closed reports whether the session was closed or disconnected for
// falling behind.
func (s *Session) Closed() bool {
	return s.closed.Load() || s.overflowed.Load()
}

// Overflowed reports whether the session was disconnected because its
// outbox filled up.
func (s *Session) Overflowed() bool {
	return s.overflowed.Load()
}

// Send queues a reply for the transport. Returns false if the session can
// no longer accept messages.
func (s *Session) Send(reply any) bool {
	return s.deliver(Message{Reply: reply})
}

// deliver queues m without blocking.
func (s *Session) deliver(m Message) bool {
	err := s.Outbox.Push(m)
	if err == nil {
		return true
	}
	if errors.Is(err, router.ErrBufferFull) {
		s.overflowOnce.Do(func() {
			s.overflowed.Store(true)
			s.Outbox.Close()
			s.logger.Warn("session outbox full, disconnecting",
				"session_id", s.ID,
				"account", s.Account,
			)
		})
	}
	return false
}
