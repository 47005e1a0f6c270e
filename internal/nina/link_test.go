package nina

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"skywatch/pkg/logging"
)

func TestNewLinkDefaults(t *testing.T) {
	l := NewLink(LinkConfig{URL: "ws://host:1888/v2/socket", Logger: logging.NewTestLogger()})

	if l.cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v", l.cfg.HandshakeTimeout)
	}
	if l.cfg.BackoffMax != 30*time.Second {
		t.Errorf("BackoffMax = %v", l.cfg.BackoffMax)
	}
	if l.cfg.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d", l.cfg.MaxAttempts)
	}
	if l.Connected() {
		t.Error("link should start disconnected")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	l := NewLink(LinkConfig{
		URL:         "ws://host:1888/v2/socket",
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Logger:      logging.NewTestLogger(),
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := l.backoff.Backoff(attempt)
		if d > 30*time.Second {
			t.Fatalf("attempt %d delay %v exceeds cap", attempt, d)
		}
		if attempt <= 4 && d < prev/2 {
			t.Fatalf("attempt %d delay %v regressed from %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestLinkForwardsFramesAndSubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotSubscribe atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// First client frame is the subscribe request
		var sub map[string]string
		if err := conn.ReadJSON(&sub); err == nil && sub["type"] == "subscribe" {
			gotSubscribe.Store(true)
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"Event":"GUIDER-START"}`))

		// Hold the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	link := NewLink(LinkConfig{
		URL:            url,
		SubscribeDelay: 10 * time.Millisecond,
		Logger:         logging.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	select {
	case frame := <-link.Frames():
		if !strings.Contains(string(frame), "GUIDER-START") {
			t.Errorf("unexpected frame %s", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
	}

	if !link.Connected() {
		t.Error("link should report connected while serving")
	}
	if !gotSubscribe.Load() {
		t.Error("expected a subscribe frame after connect")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	// Frame channel closes once Run returns
	for range link.Frames() {
	}
	if link.Connected() {
		t.Error("link should report disconnected after shutdown")
	}
}

func TestLinkStopsCleanlyUnderBackpressure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		_ = conn.ReadJSON(&sub)

		// Flood far more frames than the link buffers; nothing drains them
		for i := 0; i < 500; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"Event":"IMAGE-SAVE"}`)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	link := NewLink(LinkConfig{
		URL:            url,
		SubscribeDelay: 10 * time.Millisecond,
		Logger:         logging.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	// Wait until the flood has filled the outbound buffer
	select {
	case <-link.Frames():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream frames")
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	srv.Close()

	// The connection reader must wind down with everything else
	deadline := time.After(5 * time.Second)
	for runtime.NumGoroutine() > baseline+2 {
		select {
		case <-deadline:
			t.Fatalf("goroutines = %d, baseline %d", runtime.NumGoroutine(), baseline)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestLinkRetriesWhenHostIsDown(t *testing.T) {
	link := NewLink(LinkConfig{
		URL:         "ws://127.0.0.1:1/v2/socket",
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		MaxAttempts: 2,
		Logger:      logging.NewTestLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !link.MaxReconnectReached() {
		select {
		case <-deadline:
			t.Fatal("max-reconnect flag never raised")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
