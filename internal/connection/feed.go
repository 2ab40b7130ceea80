package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rickgao/mdregistry/internal/router"
)

// FeedStats reports feed endpoint activity.
type FeedStats struct {
	Active      int
	Accepted    int64
	Frames      int64
	FrameErrors int64
}

// FeedServer accepts feed connections. Every connection is a source: its
// frames are routed into the registry, and on disconnect everything it
// published to the books is cleared.
type FeedServer struct {
	*endpoint
	router router.Router

	accepted    atomic.Int64
	frames      atomic.Int64
	frameErrors atomic.Int64
}

// NewFeedServer creates a feed endpoint routing frames through r.
func NewFeedServer(cfg ServerConfig, r router.Router, logger *slog.Logger) *FeedServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedServer{
		endpoint: newEndpoint(cfg, logger.With("endpoint", "feed")),
		router:   r,
	}
}

// ServeHTTP upgrades the request and reads frames until the feed goes away.
func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	defer s.release(conn)

	source := s.router.Accept()
	defer s.router.Close(source)
	s.accepted.Add(1)

	logger := s.logger.With("source", source, "remote", r.RemoteAddr)
	logger.Info("feed connected")

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isNormalClose(err) || s.ctx.Err() != nil {
				logger.Info("feed disconnected")
			} else {
				logger.Warn("feed connection lost", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.frames.Add(1)

		if err := s.router.HandleRaw(s.ctx, source, data); err != nil {
			s.frameErrors.Add(1)
			logger.Warn("bad feed frame", "error", err, "bytes", len(data))
		}
	}
}

// Close disconnects every feed and waits for their sources to be cleared.
func (s *FeedServer) Close(ctx context.Context) error {
	return s.shutdown(ctx)
}

// Stats returns current feed endpoint statistics.
func (s *FeedServer) Stats() FeedStats {
	return FeedStats{
		Active:      s.active(),
		Accepted:    s.accepted.Load(),
		Frames:      s.frames.Load(),
		FrameErrors: s.frameErrors.Load(),
	}
}
