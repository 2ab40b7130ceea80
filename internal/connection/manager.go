package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Manager keeps a pool of feed connections open and spreads published
// frames across them.
type Manager interface {
	// Start opens every connection. Fails if any cannot be opened.
	Start(ctx context.Context) error

	// Stop closes every connection.
	Stop(ctx context.Context) error

	// Publish sends one frame on the next connected connection.
	Publish(data []byte) error

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// ManagerStats provides statistics about the connection pool.
type ManagerStats struct {
	ConnectedCount int
	Reconnects     int64
	FramesSent     int64
	SendErrors     int64
}

// connState holds the state for a single connection.
type connState struct {
	id int

	mu     sync.RWMutex
	client Client
}

func (c *connState) current() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns []*connState
	next  atomic.Uint64

	reconnects atomic.Int64
	sent       atomic.Int64
	sendErrors atomic.Int64
}

// NewManager creates a feed connection pool.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.Connections <= 0 {
		cfg.Connections = def.Connections
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}
	cfg.Client.URL = cfg.URL

	return &manager{
		cfg:    cfg,
		logger: logger,
	}
}

// Start opens the pool and starts watching each connection.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for i := 0; i < m.cfg.Connections; i++ {
		conn := &connState{id: i + 1, client: m.newClient(i + 1)}
		if err := conn.client.Connect(ctx); err != nil {
			m.cancel()
			m.closeAllConnections()
			return fmt.Errorf("connect feed %d: %w", conn.id, err)
		}
		m.conns = append(m.conns, conn)
	}

	for _, conn := range m.conns {
		m.wg.Add(1)
		go m.watch(conn)
	}

	m.logger.Info("feed connections open", "count", len(m.conns), "url", m.cfg.URL)
	return nil
}

// Stop closes every connection and waits for the watchers to exit.
func (m *manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.closeAllConnections()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("feed connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends data on the next connected connection, round robin.
func (m *manager) Publish(data []byte) error {
	n := len(m.conns)
	for i := 0; i < n; i++ {
		conn := m.conns[int(m.next.Add(1)-1)%n]
		client := conn.current()
		if !client.IsConnected() {
			continue
		}
		if err := client.Send(data); err != nil {
			m.sendErrors.Add(1)
			m.logger.Debug("feed send failed", "conn", conn.id, "error", err)
			continue
		}
		m.sent.Add(1)
		return nil
	}
	return ErrNotConnected
}

// Stats returns current pool statistics.
func (m *manager) Stats() ManagerStats {
	stats := ManagerStats{
		Reconnects: m.reconnects.Load(),
		FramesSent: m.sent.Load(),
		SendErrors: m.sendErrors.Load(),
	}
	for _, conn := range m.conns {
		if conn.current().IsConnected() {
			stats.ConnectedCount++
		}
	}
	return stats
}

func (m *manager) newClient(id int) Client {
	return NewClient(m.cfg.Client, m.logger.With("conn_id", id))
}

func (m *manager) closeAllConnections() {
	for _, conn := range m.conns {
		if err := conn.current().Close(); err != nil {
			m.logger.Debug("error closing connection", "conn", conn.id, "error", err)
		}
	}
}

// watch waits for a connection to fail and reconnects it.
func (m *manager) watch(conn *connState) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case err := <-conn.current().Errors():
			m.logger.Warn("feed connection failed", "conn", conn.id, "error", err)
			if !m.reconnect(conn) {
				return
			}
		}
	}
}

// reconnect replaces a failed connection, retrying with exponential
// backoff. Returns false if the manager stopped first.
func (m *manager) reconnect(conn *connState) bool {
	wait := m.cfg.ReconnectBaseWait

	conn.current().Close()

	for {
		select {
		case <-m.ctx.Done():
			return false
		case <-time.After(wait):
		}

		m.logger.Info("attempting reconnection", "conn", conn.id)

		client := m.newClient(conn.id)
		if err := client.Connect(m.ctx); err != nil {
			m.logger.Warn("reconnection failed", "conn", conn.id, "error", err, "next_wait", wait*2)

			wait *= 2
			if wait > m.cfg.ReconnectMaxWait {
				wait = m.cfg.ReconnectMaxWait
			}
			continue
		}

		conn.mu.Lock()
		conn.client = client
		conn.mu.Unlock()
		m.reconnects.Add(1)

		// Close may race with the swap above.
		if m.ctx.Err() != nil {
			client.Close()
			return false
		}

		m.logger.Info("reconnected", "conn", conn.id)
		return true
	}
}
