// Package scheduler exposes read-only views over the target scheduler's
// database. The file belongs to the imaging host's scheduler plugin; the
// gateway only ever reads it, and serves empty lists when it is absent.
package scheduler

import (
	"context"
	"fmt"
	"os"

	"skywatch/pkg/database"
	"skywatch/pkg/logging"
)

// Project is a scheduler project with its targets.
type Project struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	State       int      `json:"state"`
	Priority    int      `json:"priority"`
	Targets     []Target `json:"targets"`
}

// Target is one scheduled target.
type Target struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	RA       float64 `json:"ra"`
	Dec      float64 `json:"dec"`
	Rotation float64 `json:"rotation"`
	Active   bool    `json:"active"`
}

// Store reads the scheduler database. A nil handle means the database was
// not configured or not present; every view then returns empty results.
type Store struct {
	db     database.SQLiteConn
	logger logging.Logger
}

// Open connects to the scheduler database read-only. A missing file is not
// an error; the store degrades to empty views.
func Open(path string, logger logging.Logger) (*Store, error) {
	if path == "" {
		return &Store{logger: logger}, nil
	}
	if _, err := os.Stat(path); err != nil {
		logger.WithField("path", path).Info("Scheduler database not found, serving empty views")
		return &Store{logger: logger}, nil
	}

	cfg := database.DefaultConfig(path)
	cfg.ReadOnly = true
	db, err := database.Connect(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open scheduler database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Available reports whether a scheduler database is connected.
func (s *Store) Available() bool {
	return s.db != nil
}

// ListProjects returns all projects with their targets. Errors degrade to
// an empty list so a broken scheduler file never breaks the gateway API.
func (s *Store) ListProjects(ctx context.Context) []Project {
	if s.db == nil {
		return []Project{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT Id, name, COALESCE(description, ''), state, priority FROM project ORDER BY priority DESC, name`)
	if err != nil {
		s.logger.WithError(err).Warn("Scheduler project query failed")
		return []Project{}
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.State, &p.Priority); err != nil {
			s.logger.WithError(err).Warn("Scheduler project scan failed")
			return []Project{}
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Warn("Scheduler project iteration failed")
		return []Project{}
	}
	// The pool holds a single connection, so the result set must be fully
	// drained and released before the per-project target queries run.
	rows.Close()

	for i := range projects {
		projects[i].Targets = s.targetsFor(ctx, projects[i].ID)
	}
	if projects == nil {
		projects = []Project{}
	}
	return projects
}

// ListTargets returns the targets of one project. Unknown projects and
// query failures both yield an empty list.
func (s *Store) ListTargets(ctx context.Context, projectID int64) []Target {
	if s.db == nil {
		return []Target{}
	}
	return s.targetsFor(ctx, projectID)
}

func (s *Store) targetsFor(ctx context.Context, projectID int64) []Target {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Id, name, ra, dec, rotation, active FROM target WHERE projectid = ? ORDER BY name`, projectID)
	if err != nil {
		s.logger.WithError(err).Warn("Scheduler target query failed")
		return []Target{}
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		var active int
		if err := rows.Scan(&t.ID, &t.Name, &t.RA, &t.Dec, &t.Rotation, &active); err != nil {
			s.logger.WithError(err).Warn("Scheduler target scan failed")
			return []Target{}
		}
		t.Active = active != 0
		targets = append(targets, t)
	}
	if targets == nil {
		targets = []Target{}
	}
	return targets
}
