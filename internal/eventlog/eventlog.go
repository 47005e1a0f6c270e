// Package eventlog persists normalized imaging-host events and the derived
// session document in SQLite. Events are append-only; the state row is a
// singleton overwritten on every change.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"skywatch/internal/metrics"
	"skywatch/internal/nina"
	"skywatch/pkg/api/session"
	"skywatch/pkg/database"
	"skywatch/pkg/logging"
)

// seedBatchSize is the transaction size on the bulk append path.
const seedBatchSize = 50

const schema = `
CREATE TABLE IF NOT EXISTS session_event (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uuid  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	timestamp_utc TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_event_session ON session_event (session_uuid, id);

CREATE TABLE IF NOT EXISTS session_state (
	id                      INTEGER PRIMARY KEY CHECK (id = 1),
	current_session_uuid    TEXT NOT NULL,
	fsm_state               TEXT NOT NULL,
	session_start           TEXT,
	is_active               INTEGER NOT NULL,
	target_name             TEXT,
	target_project          TEXT,
	target_ra               TEXT,
	target_dec              TEXT,
	target_rotation         REAL,
	target_started_at       TEXT,
	target_scheduled_end_at TEXT,
	target_is_expired       INTEGER NOT NULL DEFAULT 0,
	filter                  TEXT,
	last_image_json         TEXT,
	safety_is_safe          INTEGER,
	safety_time             TEXT,
	activity_subsystem      TEXT NOT NULL,
	activity_state          TEXT,
	activity_since          TEXT,
	subsystems_json         TEXT,
	last_activity_json      TEXT,
	equipment_json          TEXT,
	flats_is_active         INTEGER NOT NULL DEFAULT 0,
	flats_filter            TEXT,
	flats_brightness        REAL,
	flats_image_count       INTEGER NOT NULL DEFAULT 0,
	flats_started_at        TEXT,
	flats_last_image_at     TEXT,
	darks_is_active         INTEGER NOT NULL DEFAULT 0,
	darks_current_exposure  REAL NOT NULL DEFAULT 0,
	darks_groups_json       TEXT,
	darks_total_images      INTEGER NOT NULL DEFAULT 0,
	darks_started_at        TEXT,
	darks_last_image_at     TEXT,
	is_guiding              INTEGER NOT NULL DEFAULT 0,
	paused_from             TEXT,
	last_update             TEXT NOT NULL
);`

// Store is the SQLite-backed event log.
type Store struct {
	db      database.SQLiteConn
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open creates a Store on the given connection and applies the schema.
func Open(db database.SQLiteConn, logger logging.Logger, m *metrics.Metrics) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &Store{db: db, logger: logger, metrics: m, now: time.Now}, nil
}

// Append persists one normalized event.
func (s *Store) Append(ctx context.Context, ev *nina.Event) error {
	start := s.now()
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_event (session_uuid, event_type, timestamp_utc, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.SessionUUID, ev.Type, formatTime(ev.Timestamp), string(payload), formatTime(s.now()))
	s.metrics.ObserveQuery("append_event", s.now().Sub(start), err)
	if err != nil {
		s.metrics.WriteFailure("append_event")
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendBatch persists events in fixed-size transactions. A failed batch is
// rolled back whole; earlier batches stay committed.
func (s *Store) AppendBatch(ctx context.Context, events []*nina.Event) error {
	for offset := 0; offset < len(events); offset += seedBatchSize {
		end := offset + seedBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := s.appendTx(ctx, events[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendTx(ctx context.Context, events []*nina.Event) error {
	start := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append batch: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvents(ctx, tx, events, formatTime(s.now())); err != nil {
		s.metrics.WriteFailure("append_batch")
		return err
	}
	err = tx.Commit()
	s.metrics.ObserveQuery("append_batch", s.now().Sub(start), err)
	if err != nil {
		s.metrics.WriteFailure("append_batch")
		return fmt.Errorf("commit append batch: %w", err)
	}
	return nil
}

// ReplaceRecent atomically swaps the stored events for a session with the
// given set. The seeder uses it so repeated seeding stays idempotent.
func (s *Store) ReplaceRecent(ctx context.Context, sessionUUID string, events []*nina.Event) error {
	start := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_event WHERE session_uuid = ?`, sessionUUID); err != nil {
		s.metrics.WriteFailure("replace_recent")
		return fmt.Errorf("clear session events: %w", err)
	}
	if err := insertEvents(ctx, tx, events, formatTime(s.now())); err != nil {
		s.metrics.WriteFailure("replace_recent")
		return err
	}
	err = tx.Commit()
	s.metrics.ObserveQuery("replace_recent", s.now().Sub(start), err)
	if err != nil {
		s.metrics.WriteFailure("replace_recent")
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*nina.Event, createdAt string) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_event (session_uuid, event_type, timestamp_utc, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.SessionUUID, ev.Type, formatTime(ev.Timestamp), string(payload), createdAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

// ListRecent returns the newest n events in ascending timestamp order.
func (s *Store) ListRecent(ctx context.Context, n int) ([]*nina.Event, error) {
	start := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_uuid, event_type, timestamp_utc, payload_json
		 FROM (SELECT * FROM session_event ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, n)
	s.metrics.ObserveQuery("list_recent", s.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var events []*nina.Event
	for rows.Next() {
		var ev nina.Event
		var ts, payload string
		if err := rows.Scan(&ev.SessionUUID, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("stored timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode stored payload: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PruneOlderThan keeps the newest keepPerSession events per session and
// deletes the rest. It returns the number of rows removed.
func (s *Store) PruneOlderThan(ctx context.Context, keepPerSession int) (int64, error) {
	start := s.now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_event WHERE id NOT IN (
			SELECT id FROM session_event AS keep
			WHERE keep.session_uuid = session_event.session_uuid
			ORDER BY keep.id DESC LIMIT ?
		 )`, keepPerSession)
	s.metrics.ObserveQuery("prune", s.now().Sub(start), err)
	if err != nil {
		s.metrics.WriteFailure("prune")
		return 0, fmt.Errorf("prune events: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.WithField("removed", removed).Debug("Pruned event log")
	}
	return removed, nil
}

// EventCount returns the total number of stored events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_event`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// UpdateState overwrites the singleton state row with the document. A failed
// write is retried once before being reported.
func (s *Store) UpdateState(ctx context.Context, doc session.Document) error {
	err := s.writeState(ctx, doc)
	if err == nil {
		return nil
	}
	s.logger.WithError(err).Warn("State write failed, retrying once")
	if err = s.writeState(ctx, doc); err != nil {
		s.metrics.WriteFailure("update_state")
		return err
	}
	return nil
}

func (s *Store) writeState(ctx context.Context, doc session.Document) error {
	start := s.now()

	var (
		targetName, targetProject, targetRA, targetDec  sql.NullString
		targetStartedAt, targetScheduledEnd             sql.NullString
		targetRotation                                  sql.NullFloat64
		targetExpired                                   int
		filterName, lastImageJSON, safetyTime           sql.NullString
		safetyIsSafe                                    sql.NullInt64
		activitySince, subsystemsJSON, lastActivityJSON sql.NullString
		equipmentJSON                                   sql.NullString
		flatsBrightness                                 sql.NullFloat64
		flatsStartedAt, flatsLastImageAt                sql.NullString
		darksGroupsJSON, darksStartedAt, darksLastAt    sql.NullString
		sessionStart                                    sql.NullString
	)

	if doc.SessionStart != nil {
		sessionStart = nullTime(*doc.SessionStart)
	}
	if t := doc.Target; t != nil {
		targetName = nullString(t.Name)
		targetProject = nullString(t.Project)
		if t.Coordinates != nil {
			targetRA = nullString(t.Coordinates.RAString)
			targetDec = nullString(t.Coordinates.DecString)
		}
		targetRotation = sql.NullFloat64{Float64: t.Rotation, Valid: true}
		targetStartedAt = nullTime(t.StartedAt)
		if t.ScheduledEndAt != nil {
			targetScheduledEnd = nullTime(*t.ScheduledEndAt)
		}
		targetExpired = boolInt(t.IsExpired)
	}
	if doc.Filter != nil {
		filterName = nullString(doc.Filter.Name)
	}
	if doc.LastImage != nil {
		raw, err := json.Marshal(doc.LastImage)
		if err != nil {
			return fmt.Errorf("encode last image: %w", err)
		}
		lastImageJSON = nullString(string(raw))
	}
	if doc.Safety.IsSafe != nil {
		safetyIsSafe = sql.NullInt64{Int64: int64(boolInt(*doc.Safety.IsSafe)), Valid: true}
	}
	if doc.Safety.Time != nil {
		safetyTime = nullTime(*doc.Safety.Time)
	}
	if doc.Activity.Since != nil {
		activitySince = nullTime(*doc.Activity.Since)
	}
	if len(doc.ActiveSubsystems) > 0 {
		raw, err := json.Marshal(doc.ActiveSubsystems)
		if err != nil {
			return fmt.Errorf("encode active subsystems: %w", err)
		}
		subsystemsJSON = nullString(string(raw))
	}
	if doc.LastActivity != nil {
		raw, err := json.Marshal(doc.LastActivity)
		if err != nil {
			return fmt.Errorf("encode last activity: %w", err)
		}
		lastActivityJSON = nullString(string(raw))
	}
	if doc.LastEquipmentChange != nil {
		raw, err := json.Marshal(doc.LastEquipmentChange)
		if err != nil {
			return fmt.Errorf("encode equipment change: %w", err)
		}
		equipmentJSON = nullString(string(raw))
	}
	if doc.Flats.Brightness != nil {
		flatsBrightness = sql.NullFloat64{Float64: *doc.Flats.Brightness, Valid: true}
	}
	if doc.Flats.StartedAt != nil {
		flatsStartedAt = nullTime(*doc.Flats.StartedAt)
	}
	if doc.Flats.LastImageAt != nil {
		flatsLastImageAt = nullTime(*doc.Flats.LastImageAt)
	}
	if len(doc.Darks.ExposureGroups) > 0 {
		raw, err := json.Marshal(doc.Darks.ExposureGroups)
		if err != nil {
			return fmt.Errorf("encode dark groups: %w", err)
		}
		darksGroupsJSON = nullString(string(raw))
	}
	if doc.Darks.StartedAt != nil {
		darksStartedAt = nullTime(*doc.Darks.StartedAt)
	}
	if doc.Darks.LastImageAt != nil {
		darksLastAt = nullTime(*doc.Darks.LastImageAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (
			id, current_session_uuid, fsm_state, session_start, is_active,
			target_name, target_project, target_ra, target_dec, target_rotation,
			target_started_at, target_scheduled_end_at, target_is_expired,
			filter, last_image_json, safety_is_safe, safety_time,
			activity_subsystem, activity_state, activity_since,
			subsystems_json, last_activity_json, equipment_json,
			flats_is_active, flats_filter, flats_brightness, flats_image_count,
			flats_started_at, flats_last_image_at,
			darks_is_active, darks_current_exposure, darks_groups_json,
			darks_total_images, darks_started_at, darks_last_image_at,
			is_guiding, paused_from, last_update
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_session_uuid = excluded.current_session_uuid,
			fsm_state = excluded.fsm_state,
			session_start = excluded.session_start,
			is_active = excluded.is_active,
			target_name = excluded.target_name,
			target_project = excluded.target_project,
			target_ra = excluded.target_ra,
			target_dec = excluded.target_dec,
			target_rotation = excluded.target_rotation,
			target_started_at = excluded.target_started_at,
			target_scheduled_end_at = excluded.target_scheduled_end_at,
			target_is_expired = excluded.target_is_expired,
			filter = excluded.filter,
			last_image_json = excluded.last_image_json,
			safety_is_safe = excluded.safety_is_safe,
			safety_time = excluded.safety_time,
			activity_subsystem = excluded.activity_subsystem,
			activity_state = excluded.activity_state,
			activity_since = excluded.activity_since,
			subsystems_json = excluded.subsystems_json,
			last_activity_json = excluded.last_activity_json,
			equipment_json = excluded.equipment_json,
			flats_is_active = excluded.flats_is_active,
			flats_filter = excluded.flats_filter,
			flats_brightness = excluded.flats_brightness,
			flats_image_count = excluded.flats_image_count,
			flats_started_at = excluded.flats_started_at,
			flats_last_image_at = excluded.flats_last_image_at,
			darks_is_active = excluded.darks_is_active,
			darks_current_exposure = excluded.darks_current_exposure,
			darks_groups_json = excluded.darks_groups_json,
			darks_total_images = excluded.darks_total_images,
			darks_started_at = excluded.darks_started_at,
			darks_last_image_at = excluded.darks_last_image_at,
			is_guiding = excluded.is_guiding,
			paused_from = excluded.paused_from,
			last_update = excluded.last_update`,
		doc.SessionUUID, string(doc.FSMState), sessionStart, boolInt(doc.IsActive),
		targetName, targetProject, targetRA, targetDec, targetRotation,
		targetStartedAt, targetScheduledEnd, targetExpired,
		filterName, lastImageJSON, safetyIsSafe, safetyTime,
		string(doc.Activity.Subsystem), nullString(doc.Activity.State), activitySince,
		subsystemsJSON, lastActivityJSON, equipmentJSON,
		boolInt(doc.Flats.IsActive), nullString(doc.Flats.Filter), flatsBrightness, doc.Flats.ImageCount,
		flatsStartedAt, flatsLastImageAt,
		boolInt(doc.Darks.IsActive), doc.Darks.CurrentExposureTime, darksGroupsJSON,
		doc.Darks.TotalImages, darksStartedAt, darksLastAt,
		boolInt(doc.IsGuiding), nullString(string(doc.PausedFrom)), formatTime(doc.LastUpdate))

	s.metrics.ObserveQuery("update_state", s.now().Sub(start), err)
	if err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}

// ReadState loads the persisted session document. found is false when no
// state has ever been written.
func (s *Store) ReadState(ctx context.Context) (doc session.Document, found bool, err error) {
	start := s.now()
	row := s.db.QueryRowContext(ctx, `
		SELECT current_session_uuid, fsm_state, session_start, is_active,
			target_name, target_project, target_ra, target_dec, target_rotation,
			target_started_at, target_scheduled_end_at, target_is_expired,
			filter, last_image_json, safety_is_safe, safety_time,
			activity_subsystem, activity_state, activity_since,
			subsystems_json, last_activity_json, equipment_json,
			flats_is_active, flats_filter, flats_brightness, flats_image_count,
			flats_started_at, flats_last_image_at,
			darks_is_active, darks_current_exposure, darks_groups_json,
			darks_total_images, darks_started_at, darks_last_image_at,
			is_guiding, paused_from, last_update
		FROM session_state WHERE id = 1`)

	var (
		fsmState, activitySubsystem, lastUpdate         string
		sessionStart                                    sql.NullString
		isActive, targetExpired                         int
		targetName, targetProject, targetRA, targetDec  sql.NullString
		targetRotation                                  sql.NullFloat64
		targetStartedAt, targetScheduledEnd             sql.NullString
		filterName, lastImageJSON, safetyTime           sql.NullString
		safetyIsSafe                                    sql.NullInt64
		activityState                                   sql.NullString
		activitySince, subsystemsJSON, lastActivityJSON sql.NullString
		equipmentJSON                                   sql.NullString
		flatsActive, flatsImageCount                    int
		flatsFilter                                     sql.NullString
		flatsBrightness                                 sql.NullFloat64
		flatsStartedAt, flatsLastImageAt                sql.NullString
		darksActive, darksTotalImages                   int
		darksCurrentExposure                            float64
		darksGroupsJSON, darksStartedAt, darksLastAt    sql.NullString
		isGuiding                                       int
		pausedFrom                                      sql.NullString
	)

	err = row.Scan(&doc.SessionUUID, &fsmState, &sessionStart, &isActive,
		&targetName, &targetProject, &targetRA, &targetDec, &targetRotation,
		&targetStartedAt, &targetScheduledEnd, &targetExpired,
		&filterName, &lastImageJSON, &safetyIsSafe, &safetyTime,
		&activitySubsystem, &activityState, &activitySince,
		&subsystemsJSON, &lastActivityJSON, &equipmentJSON,
		&flatsActive, &flatsFilter, &flatsBrightness, &flatsImageCount,
		&flatsStartedAt, &flatsLastImageAt,
		&darksActive, &darksCurrentExposure, &darksGroupsJSON,
		&darksTotalImages, &darksStartedAt, &darksLastAt,
		&isGuiding, &pausedFrom, &lastUpdate)
	s.metrics.ObserveQuery("read_state", s.now().Sub(start), err)
	if err == database.ErrNoRows {
		return session.NewDocument(), false, nil
	}
	if err != nil {
		return session.NewDocument(), false, fmt.Errorf("read session state: %w", err)
	}

	doc.FSMState = session.State(fsmState)
	doc.IsActive = isActive != 0
	doc.IsGuiding = isGuiding != 0
	doc.PausedFrom = session.State(pausedFrom.String)
	if doc.SessionStart, err = parseNullTime(sessionStart); err != nil {
		return doc, false, err
	}

	if targetName.Valid || targetStartedAt.Valid {
		t := &session.Target{
			Name:      targetName.String,
			Project:   targetProject.String,
			IsExpired: targetExpired != 0,
		}
		if targetRA.Valid || targetDec.Valid {
			t.Coordinates = &session.Coordinates{RAString: targetRA.String, DecString: targetDec.String}
		}
		if targetRotation.Valid {
			t.Rotation = targetRotation.Float64
		}
		if startedAt, err := parseNullTime(targetStartedAt); err != nil {
			return doc, false, err
		} else if startedAt != nil {
			t.StartedAt = *startedAt
		}
		if t.ScheduledEndAt, err = parseNullTime(targetScheduledEnd); err != nil {
			return doc, false, err
		}
		doc.Target = t
	}
	if filterName.Valid {
		doc.Filter = &session.Filter{Name: filterName.String}
	}
	if lastImageJSON.Valid {
		img := &session.LastImage{}
		if err := json.Unmarshal([]byte(lastImageJSON.String), img); err != nil {
			return doc, false, fmt.Errorf("decode last image: %w", err)
		}
		doc.LastImage = img
	}
	if safetyIsSafe.Valid {
		safe := safetyIsSafe.Int64 != 0
		doc.Safety.IsSafe = &safe
	}
	if doc.Safety.Time, err = parseNullTime(safetyTime); err != nil {
		return doc, false, err
	}

	doc.Activity = session.Activity{
		Subsystem: session.Subsystem(activitySubsystem),
		State:     activityState.String,
	}
	if doc.Activity.Since, err = parseNullTime(activitySince); err != nil {
		return doc, false, err
	}
	if subsystemsJSON.Valid {
		if err := json.Unmarshal([]byte(subsystemsJSON.String), &doc.ActiveSubsystems); err != nil {
			return doc, false, fmt.Errorf("decode active subsystems: %w", err)
		}
	}
	if lastActivityJSON.Valid {
		doc.LastActivity = &session.Activity{}
		if err := json.Unmarshal([]byte(lastActivityJSON.String), doc.LastActivity); err != nil {
			return doc, false, fmt.Errorf("decode last activity: %w", err)
		}
	}
	if equipmentJSON.Valid {
		doc.LastEquipmentChange = &session.EquipmentChange{}
		if err := json.Unmarshal([]byte(equipmentJSON.String), doc.LastEquipmentChange); err != nil {
			return doc, false, fmt.Errorf("decode equipment change: %w", err)
		}
	}

	doc.Flats = session.Flats{
		IsActive:   flatsActive != 0,
		Filter:     flatsFilter.String,
		ImageCount: flatsImageCount,
	}
	if flatsBrightness.Valid {
		doc.Flats.Brightness = &flatsBrightness.Float64
	}
	if doc.Flats.StartedAt, err = parseNullTime(flatsStartedAt); err != nil {
		return doc, false, err
	}
	if doc.Flats.LastImageAt, err = parseNullTime(flatsLastImageAt); err != nil {
		return doc, false, err
	}

	doc.Darks = session.Darks{
		IsActive:            darksActive != 0,
		CurrentExposureTime: darksCurrentExposure,
		TotalImages:         darksTotalImages,
	}
	if darksGroupsJSON.Valid {
		if err := json.Unmarshal([]byte(darksGroupsJSON.String), &doc.Darks.ExposureGroups); err != nil {
			return doc, false, fmt.Errorf("decode dark groups: %w", err)
		}
	}
	if doc.Darks.StartedAt, err = parseNullTime(darksStartedAt); err != nil {
		return doc, false, err
	}
	if doc.Darks.LastImageAt, err = parseNullTime(darksLastAt); err != nil {
		return doc, false, err
	}

	if doc.LastUpdate, err = parseTime(lastUpdate); err != nil {
		return doc, false, err
	}
	return doc, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	return sql.NullString{String: formatTime(t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
