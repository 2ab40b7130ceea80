package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrUnknownOp       = errors.New("unknown op")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures an outbound WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., ws://localhost:8081/feed)
	Account      string        // Sent as X-Account on the handshake, optional
	PingInterval time.Duration // How often to ping the server
	PongTimeout  time.Duration // Max time without a pong before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 15 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures a pool of feed connections.
type ManagerConfig struct {
	URL               string        // Feed endpoint URL
	Connections       int           // Number of feed connections to keep open
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	Client            ClientConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Connections:       1,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		Client:            DefaultClientConfig(),
	}
}

// ServerConfig configures the feed and client endpoints.
type ServerConfig struct {
	ReadTimeout     time.Duration // Connection closes if nothing (pongs included) arrives in this window
	PingInterval    time.Duration // How often the server pings
	WriteTimeout    time.Duration // Write deadline for each frame
	RequestTimeout  time.Duration // Bound on a client request's historical load
	MaxMessageBytes int64         // Largest accepted frame
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:     60 * time.Second,
		PingInterval:    20 * time.Second,
		WriteTimeout:    5 * time.Second,
		RequestTimeout:  10 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

// Client protocol ops.
const (
	OpLogin           = "login"
	OpQuery           = "query"
	OpEndQuery        = "end_query"
	OpLoadSnapshot    = "load_snapshot"
	OpLoadCandlestick = "load_candlestick"
	OpSearch          = "search"
)

// Request is a frame sent by a client.
//
// login:            {"id":1,"op":"login","account":"alice"}
// query:            {"id":2,"op":"query","data_type":"BBO_QUOTE","index":"TD.TSX","start":1,"limit":{"kind":"tail","size":10}}
// end_query:        {"id":3,"op":"end_query","data_type":"BBO_QUOTE","index":"TD.TSX","query_id":7}
// load_snapshot:    {"id":4,"op":"load_snapshot","index":"TD.TSX"}
// load_candlestick: {"id":5,"op":"load_candlestick","index":"TD.TSX"}
// search:           {"id":6,"op":"search","text":"tor"}
type Request struct {
	ID       int64       `json:"id"`
	Op       string      `json:"op"`
	Account  string      `json:"account,omitempty"`
	DataType string      `json:"data_type,omitempty"`
	Index    string      `json:"index,omitempty"`
	Country  string      `json:"country,omitempty"`
	Start    uint64      `json:"start,omitempty"` // First sequence, 0 means from the beginning
	End      uint64      `json:"end,omitempty"`   // Last sequence, 0 means live
	Limit    *LimitParam `json:"limit,omitempty"`
	QueryID  uint64      `json:"query_id,omitempty"`
	Text     string      `json:"text,omitempty"`
}

// LimitParam is a snapshot limit. Kind is "head" or "tail".
type LimitParam struct {
	Kind string `json:"kind"`
	Size int    `json:"size"`
}

// Response is the server's reply to a Request.
type Response struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"` // "result" or "error"
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// QueryReply is the result of a query op.
type QueryReply struct {
	QueryID  uint64 `json:"query_id"`
	DataType string `json:"data_type"`
	Index    string `json:"index"`
	Snapshot any    `json:"snapshot"`
}

// Update is a live value pushed for a subscription.
type Update struct {
	Type     string `json:"type"` // Always "update"
	QueryID  uint64 `json:"query_id"`
	DataType string `json:"data_type"`
	Index    string `json:"index"`
	Value    any    `json:"value"`
}

// Frame is used to sniff incoming server frames in clients.
type Frame struct {
	ID       int64           `json:"id,omitempty"`
	Type     string          `json:"type"`
	QueryID  uint64          `json:"query_id,omitempty"`
	DataType string          `json:"data_type,omitempty"`
	Index    string          `json:"index,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EndQueryReply is the result of an end_query op.
type EndQueryReply struct {
	Ended bool `json:"ended"`
}

// SnapshotReply is the result of a load_snapshot op.
type SnapshotReply struct {
	Found    bool                  `json:"found"`
	Snapshot *model.TickerSnapshot `json:"snapshot,omitempty"`
}

// CandlestickReply is the result of a load_candlestick op.
type CandlestickReply struct {
	Found       bool               `json:"found"`
	Candlestick *model.Candlestick `json:"candlestick,omitempty"`
}
