package service

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/market"
	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/router"
)

// Config holds service configuration.
type Config struct {
	// QueueSize is the maximum number of messages a session's outbox holds.
	QueueSize int

	// Overflow decides what happens when an outbox is full.
	Overflow router.OverflowPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 10000,
		Overflow:  router.DropOldest,
	}
}

// initialOutboxCapacity is where outboxes start before growing.
const initialOutboxCapacity = 64

// Stats holds service counters.
type Stats struct {
	Sessions      int
	Subscriptions map[model.MarketDataType]int
	Delivered     int64
	Dropped       int64 // Updates discarded from full outboxes
	Disconnected  int64 // Sessions closed for overflowing
	StoreErrors   int64
	DeniedQueries int64
}

// Service is the registry service. It implements router.Publisher.
type Service struct {
	cfg      Config
	registry market.Registry
	store    *histstore.HistoricalDataStore
	entries  *entitlement.Database
	accounts *entitlement.Directory
	logger   *slog.Logger

	queryIDs atomic.Uint64

	bboQuotes       *subscriptions[model.BboQuote]
	marketQuotes    *subscriptions[model.MarketQuote]
	bookQuotes      *subscriptions[model.BookQuote]
	timeAndSales    *subscriptions[model.TimeAndSale]
	orderImbalances *subscriptions[model.OrderImbalance]

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	delivered     atomic.Int64
	closedDropped atomic.Int64 // Drops of sessions already closed
	disconnected  atomic.Int64
	storeErrors   atomic.Int64
	denied        atomic.Int64
}

var _ router.Publisher = (*Service)(nil)

// New creates a service over registry and store. store should be the
// session cached chain; every published value is written to it.
func New(cfg Config, registry market.Registry, store *histstore.HistoricalDataStore, entries *entitlement.Database, accounts *entitlement.Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if entries == nil {
		entries = entitlement.NewDatabase()
	}
	if accounts == nil {
		accounts = entitlement.NewDirectory()
	}

	s := &Service{
		cfg:      cfg,
		registry: registry,
		store:    store,
		entries:  entries,
		accounts: accounts,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
	}
	next := func() uint64 { return s.queryIDs.Add(1) }
	s.bboQuotes = newSubscriptions[model.BboQuote](model.BboQuoteType, next)
	s.marketQuotes = newSubscriptions[model.MarketQuote](model.MarketQuoteType, next)
	s.bookQuotes = newSubscriptions[model.BookQuote](model.BookQuoteType, next)
	s.timeAndSales = newSubscriptions[model.TimeAndSale](model.TimeAndSaleType, next)
	s.orderImbalances = newSubscriptions[model.OrderImbalance](model.OrderImbalanceType, next)
	return s
}

// Registry returns the underlying market registry.
func (s *Service) Registry() market.Registry {
	return s.registry
}

// Accept opens a session for account, resolving its entitlements. An
// unknown account gets a session with no entitlements.
func (s *Service) Accept(account string) *Session {
	initial := initialOutboxCapacity
	if initial > s.cfg.QueueSize {
		initial = s.cfg.QueueSize
	}
	session := &Session{
		ID:           uuid.New(),
		Account:      account,
		Entitlements: entitlement.ResolveAccount(s.entries, s.accounts, account),
		Outbox:       router.NewBoundedBuffer[Message](initial, s.cfg.QueueSize, s.cfg.Overflow),
		logger:       s.logger,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.Info("session accepted",
		"session_id", session.ID,
		"account", account,
		"entitlement_keys", session.Entitlements.Keys(),
	)
	return session
}

// Close ends every subscription of session and closes its outbox.
// Safe to call more than once and concurrently with publishes.
func (s *Service) Close(session *Session) {
	if session.closed.Swap(true) {
		return
	}

	ended := s.bboQuotes.closeSession(session) +
		s.marketQuotes.closeSession(session) +
		s.bookQuotes.closeSession(session) +
		s.timeAndSales.closeSession(session) +
		s.orderImbalances.closeSession(session)
	session.Outbox.Close()

	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()

	stats := session.Outbox.Stats()
	s.closedDropped.Add(stats.Dropped)
	if session.Overflowed() {
		s.disconnected.Add(1)
	}

	s.logger.Info("session closed",
		"session_id", session.ID,
		"account", session.Account,
		"subscriptions", ended,
		"dropped", stats.Dropped,
		"overflowed", session.Overflowed(),
	)
}

// Sessions returns the number of open sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Subscriptions: map[model.MarketDataType]int{
			model.BboQuoteType:       s.bboQuotes.count(),
			model.MarketQuoteType:    s.marketQuotes.count(),
			model.BookQuoteType:      s.bookQuotes.count(),
			model.TimeAndSaleType:    s.timeAndSales.count(),
			model.OrderImbalanceType: s.orderImbalances.count(),
		},
		Delivered:     s.delivered.Load(),
		Dropped:       s.closedDropped.Load(),
		Disconnected:  s.disconnected.Load(),
		StoreErrors:   s.storeErrors.Load(),
		DeniedQueries: s.denied.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Sessions = len(s.sessions)
	for _, session := range s.sessions {
		st.Dropped += session.Outbox.Stats().Dropped
	}
	return st
}
