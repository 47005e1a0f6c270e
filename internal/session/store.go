package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"skywatch/internal/eventlog"
	model "skywatch/pkg/api/session"
	"skywatch/pkg/logging"
)

// snapshotCacheTTL collapses dashboard polling bursts on the HTTP read path.
const snapshotCacheTTL = time.Second

// Store holds the current derived document behind a reader-writer lock and
// mirrors every change to the event log's state row. Snapshots are deep
// copies; callers can never mutate the held document.
type Store struct {
	mu  sync.RWMutex
	doc model.Document

	cacheMu sync.Mutex
	cached  model.Document
	cachedA time.Time

	log       *eventlog.Store
	connected func() bool
	logger    logging.Logger

	persistOK atomic.Bool
	now       func() time.Time
}

// NewStore creates a state store. connected reports the upstream link state
// and is stamped onto every snapshot; log may be nil in tests.
func NewStore(log *eventlog.Store, connected func() bool, logger logging.Logger) *Store {
	if connected == nil {
		connected = func() bool { return false }
	}
	s := &Store{
		doc:       model.NewDocument(),
		log:       log,
		connected: connected,
		logger:    logger,
		now:       time.Now,
	}
	s.persistOK.Store(true)
	return s
}

// Set replaces the held document and mirrors it to the database. A failed
// mirror write flips the persistence health flag; the in-memory document
// still serves readers.
func (s *Store) Set(ctx context.Context, doc model.Document) {
	s.mu.Lock()
	s.doc = doc.Clone()
	s.mu.Unlock()

	s.cacheMu.Lock()
	s.cachedA = time.Time{}
	s.cacheMu.Unlock()

	if s.log == nil {
		return
	}
	if err := s.log.UpdateState(ctx, doc); err != nil {
		s.persistOK.Store(false)
		s.logger.WithError(err).Error("Session state mirror write failed")
		return
	}
	s.persistOK.Store(true)
}

// Load seeds the store from a previously persisted document without writing
// it back.
func (s *Store) Load(doc model.Document) {
	s.mu.Lock()
	s.doc = doc.Clone()
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current document with the live
// connection status stamped on.
func (s *Store) Snapshot() model.Document {
	s.mu.RLock()
	doc := s.doc.Clone()
	s.mu.RUnlock()
	doc.ConnectionStatus = s.connected()
	return doc
}

// CachedSnapshot is Snapshot with a one-second cache for the HTTP read path.
// The cache is invalidated on every Set.
func (s *Store) CachedSnapshot() model.Document {
	now := s.now()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if !s.cachedA.IsZero() && now.Sub(s.cachedA) < snapshotCacheTTL {
		doc := s.cached.Clone()
		doc.ConnectionStatus = s.connected()
		return doc
	}

	s.mu.RLock()
	s.cached = s.doc.Clone()
	s.mu.RUnlock()
	s.cachedA = now

	doc := s.cached.Clone()
	doc.ConnectionStatus = s.connected()
	return doc
}

// PersistenceHealthy reports whether the last state mirror write succeeded.
func (s *Store) PersistenceHealthy() bool {
	return s.persistOK.Load()
}
