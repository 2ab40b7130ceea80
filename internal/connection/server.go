package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AccountHeader optionally names the account on the WebSocket handshake.
const AccountHeader = "X-Account"

// endpoint holds what the feed and client servers share: the upgrader,
// tracking of open connections and shutdown.
type endpoint struct {
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func newEndpoint(cfg ServerConfig, logger *slog.Logger) *endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// accept upgrades the request and registers the connection. Returns nil if
// the endpoint is closed or the upgrade failed.
func (e *endpoint) accept(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return nil
	}
	e.conns[conn] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	conn.SetReadLimit(e.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
	})
	return conn
}

// release unregisters a connection accepted by accept and closes it.
func (e *endpoint) release(conn *websocket.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	conn.Close()
	e.wg.Done()
}

// pingLoop pings conn until done is closed.
func (e *endpoint) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(e.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				e.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// active returns the number of open connections.
func (e *endpoint) active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// shutdown closes every connection and waits for their handlers, or ctx.
func (e *endpoint) shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	e.closed = true
	conns := make([]*websocket.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	e.cancel()
	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		c.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline,
		)
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isNormalClose reports whether err is an orderly end of the connection.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
