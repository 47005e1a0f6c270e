// Package gateway wires the upstream link, normalizer, reducer, stores, and
// fan-out hub together and owns their lifecycle.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"skywatch/internal/eventlog"
	"skywatch/internal/metrics"
	"skywatch/internal/nina"
	sessionsvc "skywatch/internal/session"
	wshub "skywatch/internal/websocket"
	model "skywatch/pkg/api/session"
	"skywatch/pkg/clients"
	"skywatch/pkg/config"
	"skywatch/pkg/logging"
)

// pruneInterval is the periodic sweep removing events beyond the replay
// window.
const pruneInterval = 10 * time.Minute

// Gateway supervises the event pipeline: link frames flow through the
// normalizer and reducer into the state store, the event log, and the hub.
type Gateway struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics

	log    *eventlog.Store
	store  *sessionsvc.Store
	seeder *sessionsvc.Seeder
	hub    *wshub.Hub
	link   *nina.Link
	norm   *nina.Normalizer

	// stateMu serializes the reducer between the live pump and Refresh
	stateMu sync.Mutex

	startedAt       time.Time
	eventsProcessed atomic.Int64
	pumpRunning     atomic.Bool
}

// Config wires a Gateway.
type Config struct {
	Settings *config.Config
	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Log      *eventlog.Store
	Store    *sessionsvc.Store
	Seeder   *sessionsvc.Seeder
	Hub      *wshub.Hub
	Link     *nina.Link
}

// New creates a Gateway supervisor.
func New(cfg Config) *Gateway {
	return &Gateway{
		cfg:       cfg.Settings,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		store:     cfg.Store,
		seeder:    cfg.Seeder,
		hub:       cfg.Hub,
		link:      cfg.Link,
		norm:      nina.NewNormalizer(cfg.Settings.NINALocation, cfg.Logger, cfg.Metrics),
		startedAt: time.Now(),
	}
}

// Run starts the background tasks and blocks until ctx is canceled. Task
// failures are logged and restarted with backoff; they never take the
// gateway down.
func (g *Gateway) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.hub.Run(ctx)
		return nil
	})
	group.Go(func() error {
		return g.link.Run(ctx)
	})
	group.Go(func() error {
		g.pump(ctx)
		return nil
	})
	group.Go(func() error {
		g.superviseTask(ctx, "prune_sweep", g.pruneLoop)
		return nil
	})

	return group.Wait()
}

// pump is the single serialized event stream feeding the reducer.
func (g *Gateway) pump(ctx context.Context) {
	g.pumpRunning.Store(true)
	defer g.pumpRunning.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-g.link.Frames():
			if !ok {
				return
			}
			ev, ok := g.norm.Normalize(frame)
			if !ok {
				continue
			}
			g.metrics.IngestEvent("live")
			g.apply(ctx, ev)
		}
	}
}

// apply reduces one event and propagates the outcome: event log append, hub
// broadcast, state mirror. Persistence failures are logged and survive.
func (g *Gateway) apply(ctx context.Context, ev *nina.Event) {
	g.stateMu.Lock()
	current := g.store.Snapshot()
	next, changed := sessionsvc.Reduce(current, ev)
	ev.SessionUUID = next.SessionUUID
	if changed {
		g.store.Set(ctx, next)
	}
	g.stateMu.Unlock()

	g.eventsProcessed.Add(1)

	if g.log != nil {
		if err := g.log.Append(ctx, ev); err != nil {
			g.logger.WithError(err).WithField("event", ev.Type).Error("Failed to append event")
		}
	}

	g.hub.BroadcastNINAEvent(ev)
	if changed {
		if current.FSMState != next.FSMState {
			g.metrics.Transition(string(current.FSMState), string(next.FSMState))
		}
		g.hub.BroadcastSessionUpdate(g.store.Snapshot())
	}
}

// Refresh re-runs the seeder and returns the fresh document. Safe to call
// at any time; serialized against the live pump.
func (g *Gateway) Refresh(ctx context.Context) (model.Document, error) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	doc, err := g.seeder.Seed(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Session refresh failed")
		return doc, err
	}
	g.hub.BroadcastSessionUpdate(g.store.Snapshot())
	return doc, nil
}

// pruneLoop sweeps events beyond the replay window.
func (g *Gateway) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if g.log == nil {
				continue
			}
			if _, err := g.log.PruneOlderThan(ctx, g.cfg.EventReplayWindow); err != nil {
				g.logger.WithError(err).Warn("Event log prune failed")
			}
		}
	}
}

// superviseTask restarts a failed background task with capped backoff.
func (g *Gateway) superviseTask(ctx context.Context, name string, task func(context.Context) error) {
	backoff := clients.RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := task(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := backoff.Backoff(attempt)
		g.logger.WithFields(logging.Fields{
			"task":    name,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Error("Background task stopped, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Connected reports the upstream link state.
func (g *Gateway) Connected() bool {
	return g.link.Connected()
}

// Health returns the boolean health triad.
func (g *Gateway) Health() map[string]bool {
	return map[string]bool{
		"sessionManager": g.pumpRunning.Load(),
		"websocket":      g.hub != nil,
		"database":       g.store.PersistenceHealthy(),
	}
}

// Uptime reports how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startedAt)
}

// Stats returns process, pipeline, and hub counters.
func (g *Gateway) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"uptime_seconds":        int64(g.Uptime().Seconds()),
		"events_processed":      g.eventsProcessed.Load(),
		"nina_connected":        g.link.Connected(),
		"max_reconnect_reached": g.link.MaxReconnectReached(),
		"websocket":             g.hub.Stats(),
	}
	if g.log != nil {
		if n, err := g.log.EventCount(ctx); err == nil {
			stats["stored_events"] = n
		}
	}
	return stats
}
