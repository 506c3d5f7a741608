package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Observer publishes FinalUpdateRecords to a configured observer endpoint
// over a single outbound WebSocket connection. Adapted from the
// ConnectionManager send path used elsewhere in this codebase for
// WebSocket fan-out, but client-dial rather than server-accept: this
// process is the one WebSocket client, not a hub of many.
type Observer struct {
	endpoint     string
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewObserver builds a publisher for endpoint. An empty endpoint disables
// publishing entirely (Publish becomes a no-op), since the observer is an
// external collaborator this system never requires to be present.
func NewObserver(endpoint string, writeTimeout time.Duration) *Observer {
	return &Observer{endpoint: endpoint, writeTimeout: writeTimeout}
}

// Publish sends record to the observer endpoint. Failures are logged and
// never returned: the observer has no bearing on the HTTP reply.
func (o *Observer) Publish(ctx context.Context, record FinalUpdateRecord) {
	if o.endpoint == "" {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		slog.Warn("observer: marshal final update record failed", "error", err)
		return
	}

	conn, err := o.connection(ctx)
	if err != nil {
		slog.Warn("observer: connect failed", "endpoint", o.endpoint, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("observer: publish failed", "endpoint", o.endpoint, "error", err)
		o.dropConnection(conn)
	}
}

// connection returns the live connection, dialing one if none exists yet.
func (o *Observer) connection(ctx context.Context) (*websocket.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		return o.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, o.endpoint, nil)
	if err != nil {
		return nil, err
	}
	o.conn = conn
	return conn, nil
}

// dropConnection discards a broken connection so the next Publish redials.
func (o *Observer) dropConnection(broken *websocket.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == broken {
		_ = o.conn.Close(websocket.StatusNormalClosure, "")
		o.conn = nil
	}
}

// Close shuts down the observer connection, if one is open.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		_ = o.conn.Close(websocket.StatusNormalClosure, "going away")
		o.conn = nil
	}
}
