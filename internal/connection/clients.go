package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/service"
)

var errBadFrame = errors.New("malformed request")

// ClientStats reports client endpoint activity.
type ClientStats struct {
	Active        int
	Accepted      int64
	Requests      int64
	RequestErrors int64
}

// ClientServer serves the client protocol. Each connection logs in once,
// either through the AccountHeader on the handshake or with a login frame,
// and then becomes a service session.
type ClientServer struct {
	*endpoint
	svc *service.Service

	accepted      atomic.Int64
	requests      atomic.Int64
	requestErrors atomic.Int64
}

// NewClientServer creates a client endpoint over svc.
func NewClientServer(cfg ServerConfig, svc *service.Service, logger *slog.Logger) *ClientServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientServer{
		endpoint: newEndpoint(cfg, logger.With("endpoint", "client")),
		svc:      svc,
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *ClientServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account := r.Header.Get(AccountHeader)

	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	defer s.release(conn)
	s.accepted.Add(1)

	var loginID int64
	if account == "" {
		req, err := s.readRequest(conn)
		if err != nil {
			s.logger.Debug("client left before login", "remote", r.RemoteAddr, "error", err)
			return
		}
		if req.Op != OpLogin || req.Account == "" {
			s.requestErrors.Add(1)
			s.writeDirect(conn, errorResponse(req.ID, ErrNotLoggedIn))
			return
		}
		account, loginID = req.Account, req.ID
	}

	session := s.svc.Accept(account)
	logger := s.logger.With("session_id", session.ID, "account", account, "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, session, logger)
	}()
	defer func() {
		// Closing the session closes its outbox, which stops the writer.
		s.svc.Close(session)
		wg.Wait()
	}()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	session.Send(Response{ID: loginID, Type: "result", Result: struct {
		SessionID string `json:"session_id"`
	}{session.ID.String()}})

	for {
		req, err := s.readRequest(conn)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				s.requestErrors.Add(1)
				session.Send(errorResponse(0, err))
				continue
			}
			if isNormalClose(err) || s.ctx.Err() != nil || session.Closed() {
				logger.Info("client disconnected")
			} else {
				logger.Warn("client connection lost", "error", err)
			}
			return
		}
		s.requests.Add(1)
		s.handle(session, req, logger)
	}
}

// readRequest reads one frame and decodes it.
func (s *ClientServer) readRequest(conn *websocket.Conn) (Request, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Request{}, err
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return req, nil
}

// writeDirect writes a frame before the session's writer exists.
func (s *ClientServer) writeDirect(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
}

// writeLoop is the connection's only writer. It drains the session's
// outbox until the session closes, then closes the connection.
func (s *ClientServer) writeLoop(conn *websocket.Conn, session *service.Session, logger *slog.Logger) {
	defer conn.Close()

	for {
		m, ok := session.Outbox.Receive()
		if !ok {
			if session.Overflowed() {
				logger.Warn("client disconnected for falling behind")
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
					time.Now().Add(s.cfg.WriteTimeout),
				)
			}
			return
		}

		data, err := encodeOutbound(m)
		if err != nil {
			logger.Error("failed to encode frame", "error", err, "data_type", m.Type, "index", m.Index)
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("write failed", "error", err)
			s.svc.Close(session)
			return
		}
	}
}

func encodeOutbound(m service.Message) ([]byte, error) {
	if m.IsReply() {
		return json.Marshal(m.Reply)
	}
	return json.Marshal(Update{
		Type:     "update",
		QueryID:  m.QueryID,
		DataType: m.Type.String(),
		Index:    m.Index,
		Value:    m.Value,
	})
}

func errorResponse(id int64, err error) Response {
	return Response{ID: id, Type: "error", Error: err.Error()}
}

// handle serves one request. Every request gets exactly one response,
// queued on the session's outbox.
func (s *ClientServer) handle(session *service.Session, req Request, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	var err error
	switch req.Op {
	case OpQuery:
		err = s.query(ctx, session, req)
	case OpEndQuery:
		err = s.endQuery(session, req)
	case OpLoadSnapshot:
		err = s.loadSnapshot(session, req)
	case OpLoadCandlestick:
		err = s.loadCandlestick(ctx, session, req)
	case OpSearch:
		session.Send(Response{ID: req.ID, Type: "result", Result: s.svc.SearchTickerInfo(req.Text)})
	case OpLogin:
		err = errors.New("already logged in")
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}

	if err != nil {
		s.requestErrors.Add(1)
		logger.Debug("request failed", "id", req.ID, "op", req.Op, "error", err)
		session.Send(errorResponse(req.ID, err))
	}
}

// parseLimit converts the wire limit.
func parseLimit(p *LimitParam) (histstore.SnapshotLimit, error) {
	if p == nil {
		return histstore.SnapshotLimit{}, nil
	}
	if p.Size < 0 {
		return histstore.SnapshotLimit{}, fmt.Errorf("negative limit %d", p.Size)
	}
	switch strings.ToLower(p.Kind) {
	case "", "none":
		return histstore.SnapshotLimit{}, nil
	case "head":
		return histstore.HeadLimit(p.Size), nil
	case "tail":
		return histstore.TailLimit(p.Size), nil
	default:
		return histstore.SnapshotLimit{}, fmt.Errorf("unknown limit kind %q", p.Kind)
	}
}

// parseRange converts the wire sequence bounds. An End of zero is live.
func parseRange(req Request) (histstore.Range, error) {
	start := model.Sequence(req.Start)
	if start == 0 {
		start = model.FirstSequence
	}
	if req.End == 0 {
		return histstore.Since(start), nil
	}
	if model.Sequence(req.End) < start {
		return histstore.Range{}, fmt.Errorf("range end %d before start %d", req.End, start)
	}
	return histstore.SequenceRange(start, model.Sequence(req.End)), nil
}

// parseIndex parses a security index. An unparseable index is treated like
// an unknown ticker.
func parseIndex(req Request) model.Ticker {
	ticker, err := model.ParseTicker(req.Index)
	if err != nil {
		return model.Ticker{}
	}
	ticker.Country = strings.ToUpper(req.Country)
	return ticker
}

// queryReply returns the reply callback for a query of type t. It runs
// before any update of the subscription is queued.
func queryReply[T any](session *service.Session, req Request, t model.MarketDataType) func(service.QueryResult[T]) {
	return func(r service.QueryResult[T]) {
		index := r.Index
		if index == "" {
			index = req.Index
		}
		snapshot := r.Snapshot
		if snapshot == nil {
			snapshot = []model.Sequenced[T]{}
		}
		session.Send(Response{ID: req.ID, Type: "result", Result: QueryReply{
			QueryID:  r.ID,
			DataType: t.String(),
			Index:    index,
			Snapshot: snapshot,
		}})
	}
}

func (s *ClientServer) query(ctx context.Context, session *service.Session, req Request) error {
	t, err := model.ParseMarketDataType(req.DataType)
	if err != nil {
		return err
	}
	rng, err := parseRange(req)
	if err != nil {
		return err
	}
	limit, err := parseLimit(req.Limit)
	if err != nil {
		return err
	}

	switch t {
	case model.BboQuoteType:
		q := service.SecurityQuery[model.BboQuote]{Ticker: parseIndex(req), Range: rng, Limit: limit}
		_, err = s.svc.QueryBboQuotes(ctx, session, q, queryReply[model.BboQuote](session, req, t))
	case model.MarketQuoteType:
		q := service.SecurityQuery[model.MarketQuote]{Ticker: parseIndex(req), Range: rng, Limit: limit}
		_, err = s.svc.QueryMarketQuotes(ctx, session, q, queryReply[model.MarketQuote](session, req, t))
	case model.BookQuoteType:
		q := service.SecurityQuery[model.BookQuote]{Ticker: parseIndex(req), Range: rng, Limit: limit}
		_, err = s.svc.QueryBookQuotes(ctx, session, q, queryReply[model.BookQuote](session, req, t))
	case model.TimeAndSaleType:
		q := service.SecurityQuery[model.TimeAndSale]{Ticker: parseIndex(req), Range: rng, Limit: limit}
		_, err = s.svc.QueryTimeAndSales(ctx, session, q, queryReply[model.TimeAndSale](session, req, t))
	case model.OrderImbalanceType:
		q := service.VenueQuery{Venue: model.Venue(strings.ToUpper(req.Index)), Range: rng, Limit: limit}
		_, err = s.svc.QueryOrderImbalances(ctx, session, q, queryReply[model.OrderImbalance](session, req, t))
	}
	return err
}

func (s *ClientServer) endQuery(session *service.Session, req Request) error {
	t, err := model.ParseMarketDataType(req.DataType)
	if err != nil {
		return err
	}
	ended := s.svc.EndQuery(session, t, s.subscriptionIndex(t, req), req.QueryID)
	session.Send(Response{ID: req.ID, Type: "result", Result: EndQueryReply{Ended: ended}})
	return nil
}

// subscriptionIndex maps a request index to the key its subscription was
// opened under: the venue for order imbalances, the primary listing
// otherwise.
func (s *ClientServer) subscriptionIndex(t model.MarketDataType, req Request) string {
	if t == model.OrderImbalanceType {
		return strings.ToUpper(req.Index)
	}
	ticker := parseIndex(req)
	if !ticker.IsValid() {
		return req.Index
	}
	if primary := s.svc.Registry().GetPrimaryListing(ticker); primary.Venue != "" {
		return primary.String()
	}
	return ticker.String()
}

func (s *ClientServer) loadSnapshot(session *service.Session, req Request) error {
	reply := SnapshotReply{}
	if snap, ok := s.svc.LoadTickerSnapshot(session, parseIndex(req)); ok {
		reply = SnapshotReply{Found: true, Snapshot: &snap}
	}
	session.Send(Response{ID: req.ID, Type: "result", Result: reply})
	return nil
}

func (s *ClientServer) loadCandlestick(ctx context.Context, session *service.Session, req Request) error {
	reply := CandlestickReply{}
	if c, ok := s.svc.LoadSessionCandlestick(ctx, session, parseIndex(req)); ok {
		reply = CandlestickReply{Found: true, Candlestick: &c}
	}
	session.Send(Response{ID: req.ID, Type: "result", Result: reply})
	return nil
}

// Close disconnects every client and waits for their sessions to close.
func (s *ClientServer) Close(ctx context.Context) error {
	return s.shutdown(ctx)
}

// Stats returns current client endpoint statistics.
func (s *ClientServer) Stats() ClientStats {
	return ClientStats{
		Active:        s.active(),
		Accepted:      s.accepted.Load(),
		Requests:      s.requests.Load(),
		RequestErrors: s.requestErrors.Load(),
	}
}
