package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// defaultWriteTimeout bounds each WebSocket write so one stuck client cannot
// pin a handler goroutine.
const defaultWriteTimeout = 5 * time.Second

// BroadcastOption is a functional option for configuring a [Broadcaster].
type BroadcastOption func(*Broadcaster)

// WithBroadcastLogger sets the logger for connection events.
func WithBroadcastLogger(l *slog.Logger) BroadcastOption {
	return func(br *Broadcaster) { br.logger = l }
}

// WithWriteTimeout bounds each outgoing message write. Default 5s.
func WithWriteTimeout(d time.Duration) BroadcastOption {
	return func(br *Broadcaster) { br.writeTimeout = d }
}

// Broadcaster serves the event stream over WebSocket. Each accepted
// connection first receives the bus's retained tail, then live events, one
// JSON text message per event. Incoming data messages are discarded.
type Broadcaster struct {
	bus          *Bus
	logger       *slog.Logger
	writeTimeout time.Duration
}

var _ http.Handler = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster streaming from bus.
func NewBroadcaster(bus *Bus, opts ...BroadcastOption) *Broadcaster {
	br := &Broadcaster{
		bus:          bus,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects, the request context ends, or the bus closes.
func (br *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		br.logger.Warn("event stream handshake failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead pumps control frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	tail, sub := br.bus.Subscribe()
	defer sub.Cancel()

	br.logger.Debug("event stream subscriber connected",
		"remote", r.RemoteAddr, "replayed", len(tail))

	for _, ev := range tail {
		if err := br.write(ctx, conn, ev); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "connection closed")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "event stream closed")
				return
			}
			if err := br.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (br *Broadcaster) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		br.logger.Error("event not serializable", "err", err, "kind", ev.Kind)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, br.writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
