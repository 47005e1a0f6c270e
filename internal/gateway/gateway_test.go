package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"skywatch/internal/nina"
	sessionsvc "skywatch/internal/session"
	wshub "skywatch/internal/websocket"
	model "skywatch/pkg/api/session"
	"skywatch/pkg/config"
	"skywatch/pkg/logging"
)

type emptyHistory struct{}

func (emptyHistory) EventHistory(ctx context.Context) ([]map[string]interface{}, error) {
	return nil, nil
}

func testSettings() *config.Config {
	return &config.Config{
		NINALocation:      time.FixedZone("-05:00", -5*3600),
		EventReplayWindow: 20,
	}
}

func newTestGateway(t *testing.T, upstreamURL string) (*Gateway, *sessionsvc.Store) {
	t.Helper()
	logger := logging.NewTestLogger()
	settings := testSettings()

	link := nina.NewLink(nina.LinkConfig{
		URL:            upstreamURL,
		SubscribeDelay: 10 * time.Millisecond,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		Logger:         logger,
	})
	store := sessionsvc.NewStore(nil, link.Connected, logger)
	hub := wshub.NewHub(wshub.HubConfig{Snapshot: store.Snapshot, Logger: logger})
	seeder := sessionsvc.NewSeeder(sessionsvc.SeederConfig{
		Source:   emptyHistory{},
		Location: settings.NINALocation,
		Store:    store,
		Logger:   logger,
	})

	return New(Config{
		Settings: settings,
		Logger:   logger,
		Log:      nil,
		Store:    store,
		Seeder:   seeder,
		Hub:      hub,
		Link:     link,
	}), store
}

func TestApplyUpdatesStateAndCounters(t *testing.T) {
	g, store := newTestGateway(t, "ws://127.0.0.1:1/v2/socket")

	ev := &nina.Event{
		Type:      "TS-TARGETSTART",
		Timestamp: time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC),
		Payload: map[string]interface{}{
			"Event":      "TS-TARGETSTART",
			"TargetName": "M31",
		},
		SessionUUID: model.DefaultSessionUUID,
	}
	g.apply(context.Background(), ev)

	doc := store.Snapshot()
	if !doc.IsActive || doc.Target == nil || doc.Target.Name != "M31" {
		t.Errorf("doc = %+v", doc)
	}
	// The event is tagged with the session the reducer settled on
	if ev.SessionUUID != doc.SessionUUID {
		t.Errorf("event tagged %s, want %s", ev.SessionUUID, doc.SessionUUID)
	}
	if got := g.eventsProcessed.Load(); got != 1 {
		t.Errorf("eventsProcessed = %d", got)
	}
}

func TestPumpDrivesStateFromUpstreamFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Wait for the subscribe frame, then feed one event
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"Type":"Socket","Response":{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g, store := newTestGateway(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		doc := store.Snapshot()
		if doc.IsActive && doc.Target != nil && doc.Target.Name == "M31" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("state never updated: %+v", store.Snapshot())
		case <-time.After(10 * time.Millisecond):
		}
	}

	health := g.Health()
	if !health["sessionManager"] || !health["websocket"] || !health["database"] {
		t.Errorf("health = %v", health)
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
}

func TestRefreshReseedsState(t *testing.T) {
	g, store := newTestGateway(t, "ws://127.0.0.1:1/v2/socket")

	doc, err := g.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if doc.FSMState != model.StateIdle {
		t.Errorf("fsmState = %s", doc.FSMState)
	}
	if !store.Snapshot().Equal(doc) {
		t.Error("store differs from refreshed document")
	}
}

func TestStatsShape(t *testing.T) {
	g, _ := newTestGateway(t, "ws://127.0.0.1:1/v2/socket")
	stats := g.Stats(context.Background())

	for _, key := range []string{"uptime_seconds", "events_processed", "nina_connected", "websocket"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}
