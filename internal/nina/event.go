// Package nina talks to the imaging host: it maintains the upstream
// WebSocket link, fetches event history over HTTP, and normalizes the
// heterogeneous frames both produce into a single event record.
package nina

import (
	"time"
)

// Event is a normalized imaging-host event.
type Event struct {
	Type        string                 `json:"eventType"`
	Timestamp   time.Time              `json:"timestamp"` // always UTC
	Payload     map[string]interface{} `json:"payload"`
	Enriched    map[string]interface{} `json:"enriched,omitempty"`
	SessionUUID string                 `json:"sessionUuid"`
}

// String returns a payload field as a string, following one level of nesting
// via dotted keys ("New.Name").
func (e *Event) String(key string) string {
	v, _ := lookup(e.Payload, key).(string)
	return v
}

// Float returns a numeric payload field. JSON numbers decode as float64;
// integers and strings are coerced where possible.
func (e *Event) Float(key string) (float64, bool) {
	return toFloat(lookup(e.Payload, key))
}

// Bool returns a boolean payload field.
func (e *Event) Bool(key string) (bool, bool) {
	v, ok := lookup(e.Payload, key).(bool)
	return v, ok
}

// Map returns a nested object payload field.
func (e *Event) Map(key string) map[string]interface{} {
	v, _ := lookup(e.Payload, key).(map[string]interface{})
	return v
}

// EnrichedString reads a string from the enriched payload.
func (e *Event) EnrichedString(key string) string {
	v, _ := lookup(e.Enriched, key).(string)
	return v
}

func lookup(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			inner, _ := m[key[:i]].(map[string]interface{})
			return lookup(inner, key[i+1:])
		}
	}
	return m[key]
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
