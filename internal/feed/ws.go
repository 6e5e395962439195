package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	writeWait = 10 * time.Second

	maxReconnectDelay = 60 * time.Second
)

// subscribeCmd is sent after every (re)connect.
type subscribeCmd struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSFeed reads normalized level messages from a websocket endpoint and
// applies them to the book store. It reconnects with exponential backoff.
type WSFeed struct {
	url            string
	symbols        []string
	sink           BookSink
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// NewWSFeed creates a feed on url subscribing to symbols.
func NewWSFeed(url string, symbols []string, sink BookSink, reconnectDelay time.Duration, logger *slog.Logger) *WSFeed {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &WSFeed{
		url:            url,
		symbols:        symbols,
		sink:           sink,
		reconnectDelay: reconnectDelay,
		logger:         logger.With(slog.String("component", "ws_feed")),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting on error.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := f.reconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = f.reconnectDelay
		}
		f.logger.Warn("ws feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection dials, subscribes and pumps messages. connected reports
// whether the dial succeeded, which resets the backoff.
func (f *WSFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed/ws: connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeCmd{Type: "subscribe", Symbols: f.symbols}); err != nil {
		return true, fmt.Errorf("feed/ws: subscribe: %w", err)
	}
	f.logger.Info("ws feed subscribed", slog.String("url", f.url), slog.Int("symbols", len(f.symbols)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Closing the connection unblocks ReadMessage on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed/ws: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := Apply(ctx, f.sink, data); err != nil {
			logApplyError(ctx, f.logger, err, len(data))
		}
	}
}
