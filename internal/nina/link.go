package nina

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"skywatch/internal/metrics"
	"skywatch/pkg/clients"
	"skywatch/pkg/logging"
)

// LinkConfig configures the upstream WebSocket link.
type LinkConfig struct {
	// URL is the imaging host socket, ws://<host>:<port>/v2/socket.
	URL string

	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	LivenessTimeout  time.Duration // default 60s
	SubscribeDelay   time.Duration // default 250ms
	BackoffBase      time.Duration // default 1s
	BackoffMax       time.Duration // default 30s
	MaxAttempts      int           // default 10

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Link is the single WebSocket connection to the imaging host. It owns the
// socket exclusively, forwards every raw frame to its outbound channel, and
// reconnects with capped exponential backoff. Link failures are never fatal
// to the gateway.
type Link struct {
	cfg     LinkConfig
	backoff clients.RetryConfig
	out     chan []byte

	connected  atomic.Bool
	maxReached atomic.Bool
}

// NewLink creates an upstream link. Run must be called to connect.
func NewLink(cfg LinkConfig) *Link {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = 60 * time.Second
	}
	if cfg.SubscribeDelay == 0 {
		cfg.SubscribeDelay = 250 * time.Millisecond
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	return &Link{
		cfg: cfg,
		backoff: clients.RetryConfig{
			BaseDelay:  cfg.BackoffBase,
			MaxDelay:   cfg.BackoffMax,
			Multiplier: 2.0,
			Jitter:     true,
		},
		out: make(chan []byte, 256),
	}
}

// Frames returns the channel of raw upstream frames. It is closed when Run
// returns.
func (l *Link) Frames() <-chan []byte {
	return l.out
}

// Connected reports whether the socket is currently open.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// MaxReconnectReached reports whether the link has exhausted its configured
// attempts since the last successful open. Retries continue at the capped
// delay regardless.
func (l *Link) MaxReconnectReached() bool {
	return l.maxReached.Load()
}

// Run connects and serves the link until ctx is canceled, reconnecting on
// every close or error. It closes the frame channel on return.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.out)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.dial(ctx)
		if err != nil {
			attempt++
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.UpstreamReconnects.WithLabelValues("failed").Inc()
			}
			if attempt >= l.cfg.MaxAttempts && !l.maxReached.Load() {
				l.maxReached.Store(true)
				l.cfg.Logger.WithFields(logging.Fields{
					"attempts": attempt,
					"url":      l.cfg.URL,
				}).Error("Max reconnect attempts reached, continuing at capped delay")
			}
			delay := l.backoff.Backoff(attempt)
			l.cfg.Logger.WithFields(logging.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).WithError(err).Warn("Upstream connect failed, backing off")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		l.maxReached.Store(false)
		l.connected.Store(true)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.UpstreamReconnects.WithLabelValues("ok").Inc()
		}
		l.cfg.Logger.WithField("url", l.cfg.URL).Info("Upstream WebSocket connected")

		l.serve(ctx, conn)
		l.connected.Store(false)
		l.cfg.Logger.Info("Upstream WebSocket disconnected")
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, nil)
	return conn, err
}

// serve pumps one connection until it fails or ctx is canceled. The socket
// is written only from this goroutine (subscribe frame, pings, close).
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout))
	})

	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			// Any inbound frame counts as liveness
			_ = conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout))
			select {
			case frames <- message:
			case <-done:
				// serve already returned; stop instead of blocking forever
				return
			}
		}
	}()

	// Give the socket a moment to settle before subscribing
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.cfg.SubscribeDelay):
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		l.cfg.Logger.WithError(err).Warn("Failed to send subscribe frame")
		return
	}

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.cfg.Logger.WithError(err).Warn("Upstream ping failed")
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.cfg.Logger.WithError(err).Warn("Upstream read error")
			}
			return

		case message := <-frames:
			select {
			case l.out <- message:
			case <-ctx.Done():
				return
			}
		}
	}
}
