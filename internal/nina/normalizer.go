package nina

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"skywatch/internal/metrics"
	"skywatch/pkg/api/session"
	"skywatch/pkg/logging"
)

// Drop reasons reported in metrics and logs.
const (
	DropParse      = "parse"
	DropTimestamp  = "timestamp"
	DropDuplicate  = "duplicate"
	DropNoise      = "noise"
	DropNoOpFilter = "noop_filter"
)

// Duplicate suppression buckets events by second in the key; entries older
// than the cutoff are pruned on insert.
const pruneCutoff = 5 * time.Minute

// noiseEvents are keepalive-style frames the session model never needs.
var noiseEvents = map[string]struct{}{
	"HEARTBEAT":   {},
	"PING":        {},
	"PONG":        {},
	"KEEPALIVE":   {},
	"API-PING":    {},
	"SOCKET-PING": {},
}

// Normalizer flattens the imaging host's two frame shapes into Events,
// disambiguates offset-less timestamps, de-duplicates, filters noise, and
// enriches payloads from a rolling context. It is owned by a single
// goroutine; nothing here is safe for concurrent use.
type Normalizer struct {
	location *time.Location
	logger   logging.Logger
	metrics  *metrics.Metrics

	seen map[string]time.Time

	// rolling enrichment context
	currentFilter   string
	currentTarget   map[string]interface{}
	flatPanelActive bool
	lastImageStats  map[string]interface{}

	now func() time.Time
}

// NewNormalizer creates a normalizer. location is the imaging host's declared
// local zone, applied to timestamps that carry no offset of their own.
func NewNormalizer(location *time.Location, logger logging.Logger, m *metrics.Metrics) *Normalizer {
	if location == nil {
		location = time.UTC
	}
	return &Normalizer{
		location: location,
		logger:   logger,
		metrics:  m,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Normalize parses one raw frame. The second return value is false when the
// frame was dropped (malformed, noise, or duplicate).
func (n *Normalizer) Normalize(raw []byte) (*Event, bool) {
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		n.metrics.DropEvent(DropParse)
		n.logger.WithError(err).Warn("Dropping unparseable upstream frame")
		return nil, false
	}
	return n.NormalizeRecord(frame)
}

// NormalizeRecord normalizes an already-decoded frame. It accepts the live
// shape {Response:{Event,...},Type:"Socket"} and the history shape
// {Event, Time, ...}.
func (n *Normalizer) NormalizeRecord(frame map[string]interface{}) (*Event, bool) {
	payload := extractPayload(frame)
	if payload == nil {
		n.metrics.DropEvent(DropParse)
		n.logger.Debug("Dropping frame without an Event field")
		return nil, false
	}

	eventType, _ := payload["Event"].(string)
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		n.metrics.DropEvent(DropParse)
		n.logger.Debug("Dropping frame with empty event type")
		return nil, false
	}

	if _, noisy := noiseEvents[strings.ToUpper(eventType)]; noisy {
		n.metrics.DropEvent(DropNoise)
		return nil, false
	}

	ts, err := n.parseTimestamp(payload)
	if err != nil {
		n.metrics.DropEvent(DropTimestamp)
		n.logger.WithError(err).WithField("event", eventType).Warn("Dropping event with invalid timestamp")
		return nil, false
	}

	if n.isDuplicate(eventType, ts, payload) {
		n.metrics.DropEvent(DropDuplicate)
		n.logger.WithField("event", eventType).Debug("Dropping duplicate event")
		return nil, false
	}

	if eventType == "FILTERWHEEL-CHANGED" && n.isNoOpFilterChange(payload) {
		n.metrics.DropEvent(DropNoOpFilter)
		n.logger.Debug("Dropping no-op filter change")
		return nil, false
	}

	ev := &Event{
		Type:        eventType,
		Timestamp:   ts,
		Payload:     payload,
		SessionUUID: session.DefaultSessionUUID,
	}
	n.updateContext(ev)
	ev.Enriched = n.enrich(ev)
	return ev, true
}

// extractPayload returns the event body for either upstream frame shape.
func extractPayload(frame map[string]interface{}) map[string]interface{} {
	if resp, ok := frame["Response"].(map[string]interface{}); ok {
		if _, ok := resp["Event"]; ok {
			return resp
		}
		return nil
	}
	if _, ok := frame["Event"]; ok {
		return frame
	}
	return nil
}

// parseTimestamp reads the Time field. Values carrying an explicit offset or
// Z parse as-is; offset-less values are interpreted in the imaging host's
// configured local zone. A missing Time means a live frame, stamped on
// arrival.
func (n *Normalizer) parseTimestamp(payload map[string]interface{}) (time.Time, error) {
	raw, ok := payload["Time"].(string)
	if !ok || raw == "" {
		return n.now().UTC(), nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, raw, n.location); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// isDuplicate drops frames that repeat an identical payload within the same
// second bucket. The seen map is pruned on every insert.
func (n *Normalizer) isDuplicate(eventType string, ts time.Time, payload map[string]interface{}) bool {
	key := dedupeKey(eventType, ts, payload)
	now := n.now()

	if inserted, ok := n.seen[key]; ok && now.Sub(inserted) <= pruneCutoff {
		return true
	}
	n.seen[key] = now

	for k, v := range n.seen {
		if now.Sub(v) > pruneCutoff {
			delete(n.seen, k)
		}
	}
	return false
}

func dedupeKey(eventType string, ts time.Time, payload map[string]interface{}) string {
	h := fnv.New64a()
	// encoding/json sorts map keys, so the hash is stable for equal payloads
	if raw, err := json.Marshal(payload); err == nil {
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%s|%d|%x", eventType, ts.Unix(), h.Sum64())
}

func (n *Normalizer) isNoOpFilterChange(payload map[string]interface{}) bool {
	prev, _ := payload["Previous"].(map[string]interface{})
	next, _ := payload["New"].(map[string]interface{})
	if prev == nil || next == nil {
		return false
	}
	prevName, _ := prev["Name"].(string)
	nextName, _ := next["Name"].(string)
	return prevName != "" && prevName == nextName
}

// updateContext folds the event into the rolling enrichment context.
func (n *Normalizer) updateContext(ev *Event) {
	switch ev.Type {
	case "FILTERWHEEL-CHANGED":
		if name := ev.String("New.Name"); name != "" {
			n.currentFilter = name
		}
	case "TS-TARGETSTART", "TS-NEWTARGETSTART":
		target := map[string]interface{}{
			"name":    ev.String("TargetName"),
			"project": ev.String("ProjectName"),
		}
		if coords := ev.Map("Coordinates"); coords != nil {
			target["coordinates"] = coords
		}
		if rot, ok := ev.Float("Rotation"); ok {
			target["rotation"] = rot
		}
		n.currentTarget = target
	case "FLAT-CONNECTED":
		n.flatPanelActive = true
	case "FLAT-DISCONNECTED":
		n.flatPanelActive = false
	case "IMAGE-SAVE":
		if stats := ev.Map("ImageStatistics"); stats != nil {
			imageType, _ := stats["ImageType"].(string)
			if filter, _ := stats["Filter"].(string); filter != "" && strings.EqualFold(imageType, "LIGHT") {
				n.currentFilter = filter
			}
			n.lastImageStats = stats
		}
	}
}

// enrich builds the augmented payload view carrying the rolling context.
func (n *Normalizer) enrich(ev *Event) map[string]interface{} {
	enriched := make(map[string]interface{}, len(ev.Payload)+4)
	for k, v := range ev.Payload {
		enriched[k] = v
	}
	if n.currentFilter != "" {
		enriched["currentFilter"] = n.currentFilter
	}
	if n.currentTarget != nil {
		enriched["currentTarget"] = n.currentTarget
	}
	enriched["flatPanelActive"] = n.flatPanelActive
	if n.lastImageStats != nil {
		enriched["lastImageStatistics"] = n.lastImageStats
	}

	// Fill the filter gap on IMAGE-SAVE frames that omit it
	if ev.Type == "IMAGE-SAVE" && n.currentFilter != "" {
		if stats, ok := enriched["ImageStatistics"].(map[string]interface{}); ok {
			if name, _ := stats["Filter"].(string); name == "" {
				patched := make(map[string]interface{}, len(stats))
				for k, v := range stats {
					patched[k] = v
				}
				patched["Filter"] = n.currentFilter
				enriched["ImageStatistics"] = patched
			}
		}
	}
	return enriched
}
