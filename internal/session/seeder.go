package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"skywatch/internal/eventlog"
	"skywatch/internal/metrics"
	"skywatch/internal/nina"
	model "skywatch/pkg/api/session"
	"skywatch/pkg/logging"
)

// recentImagingWindow: history showing an image save this recent implies a
// session is running even when no start event is visible in the window.
const recentImagingWindow = 30 * time.Minute

// historySource fetches the imaging host's recent raw event records.
type historySource interface {
	EventHistory(ctx context.Context) ([]map[string]interface{}, error)
}

// Seeder reconstructs the session document from the imaging host's event
// history at boot and on demand. Seeding is idempotent: the replay window is
// swapped atomically, so re-running never duplicates events.
type Seeder struct {
	source       historySource
	location     *time.Location
	log          *eventlog.Store
	store        *Store
	logger       logging.Logger
	metrics      *metrics.Metrics
	replayWindow int
	now          func() time.Time
}

// SeederConfig wires a Seeder.
type SeederConfig struct {
	Source       historySource
	Location     *time.Location
	Log          *eventlog.Store
	Store        *Store
	Logger       logging.Logger
	Metrics      *metrics.Metrics
	ReplayWindow int // default 20
}

// NewSeeder creates a Seeder.
func NewSeeder(cfg SeederConfig) *Seeder {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 20
	}
	return &Seeder{
		source:       cfg.Source,
		location:     cfg.Location,
		log:          cfg.Log,
		store:        cfg.Store,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		replayWindow: cfg.ReplayWindow,
		now:          time.Now,
	}
}

// Seed fetches history, replays it through a fresh reducer, persists the
// replay window and the derived document, and installs the document in the
// state store. On fetch failure it falls back to the persisted state row and
// reports the error; the gateway keeps running either way.
func (s *Seeder) Seed(ctx context.Context) (model.Document, error) {
	records, err := s.source.EventHistory(ctx)
	if err != nil {
		doc := s.loadPersisted(ctx)
		return doc, fmt.Errorf("fetch history: %w", err)
	}

	// A fresh normalizer so seeding never inherits live rolling context
	norm := nina.NewNormalizer(s.location, s.logger, s.metrics)
	events := make([]*nina.Event, 0, len(records))
	for _, record := range records {
		if ev, ok := norm.NormalizeRecord(record); ok {
			s.metrics.IngestEvent("history")
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	doc := model.NewDocument()
	for _, ev := range events {
		if ctx.Err() != nil {
			return doc, ctx.Err()
		}
		doc, _ = Reduce(doc, ev)
	}
	s.applyRecentImagingFallback(&doc)

	// Tag the replay window with the session the replay settled on
	recent := events
	if len(recent) > s.replayWindow {
		recent = recent[len(recent)-s.replayWindow:]
	}
	for _, ev := range recent {
		ev.SessionUUID = doc.SessionUUID
	}
	if s.log != nil {
		if err := s.log.ReplaceRecent(ctx, doc.SessionUUID, recent); err != nil {
			s.logger.WithError(err).Error("Failed to persist replay window")
		}
	}

	s.store.Set(ctx, doc)
	s.logger.WithFields(logging.Fields{
		"history_events": len(records),
		"replayed":       len(events),
		"session_uuid":   doc.SessionUUID,
		"fsm_state":      doc.FSMState,
		"is_active":      doc.IsActive,
	}).Info("Session state seeded from history")

	return s.store.Snapshot(), nil
}

// applyRecentImagingFallback marks a session active when the replay shows an
// image save within the last half hour but no visible start event.
func (s *Seeder) applyRecentImagingFallback(doc *model.Document) {
	if doc.IsActive || doc.LastImage == nil {
		return
	}
	if s.now().UTC().Sub(doc.LastImage.Timestamp) > recentImagingWindow {
		return
	}
	start := doc.LastImage.Timestamp
	doc.SessionUUID = model.NewSessionUUID(start)
	doc.SessionStart = &start
	doc.IsActive = true
	doc.FSMState = model.StateImaging
	doc.LastUpdate = start
}

// loadPersisted restores the last mirrored state row, if any.
func (s *Seeder) loadPersisted(ctx context.Context) model.Document {
	if s.log == nil {
		return s.store.Snapshot()
	}
	doc, found, err := s.log.ReadState(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read persisted state")
		return s.store.Snapshot()
	}
	if found {
		s.store.Load(doc)
		s.logger.WithFields(logging.Fields{
			"session_uuid": doc.SessionUUID,
			"fsm_state":    doc.FSMState,
		}).Info("Restored persisted session state")
	}
	return s.store.Snapshot()
}
