// Package session derives the session document from the normalized event
// stream: a pure reducer, the state store serving snapshots, and the boot
// seeder that reconstructs state from history.
package session

import (
	"strconv"
	"strings"
	"time"

	"skywatch/internal/nina"
	model "skywatch/pkg/api/session"
)

// inactivityExpiry ends a session with no scheduled end after this long
// without an image save or target start.
const inactivityExpiry = 8 * time.Hour

// sessionEndEvents end the current session and return the FSM to idle.
var sessionEndEvents = map[string]struct{}{
	"TS-TARGETEND":       {},
	"TS-TARGETFINISHED":  {},
	"SEQUENCE-STOPPED":   {},
	"SEQUENCE-COMPLETED": {},
	"SEQUENCE-FINISHED":  {},
}

// activityEvents maps event types onto subsystem activity edges.
var activityEvents = map[string]struct {
	subsystem model.Subsystem
	active    bool
}{
	"AUTOFOCUS-START":     {model.SubsystemAutofocus, true},
	"AUTOFOCUS-FINISHED":  {model.SubsystemAutofocus, false},
	"AUTOFOCUS-STOPPED":   {model.SubsystemAutofocus, false},
	"GUIDER-START":        {model.SubsystemGuiding, true},
	"GUIDER-STOP":         {model.SubsystemGuiding, false},
	"GUIDER-DISCONNECTED": {model.SubsystemGuiding, false},
	"MOUNT-SLEW-START":    {model.SubsystemMount, true},
	"MOUNT-SLEWING":       {model.SubsystemMount, true},
	"MOUNT-SLEW-STOPPED":  {model.SubsystemMount, false},
	"MOUNT-PARKED":        {model.SubsystemMount, false},
	"MOUNT-HOMED":         {model.SubsystemMount, false},
	"ROTATOR-MOVING":      {model.SubsystemRotator, true},
	"ROTATOR-STOPPED":     {model.SubsystemRotator, false},
	"ROTATOR-SYNCED":      {model.SubsystemRotator, false},
	"SEQUENCE-STARTING":   {model.SubsystemSequencer, true},
	"SEQUENCE-STOPPED":    {model.SubsystemSequencer, false},
	"SEQUENCE-COMPLETED":  {model.SubsystemSequencer, false},
	"SEQUENCE-FINISHED":   {model.SubsystemSequencer, false},
}

// Reduce folds one normalized event into the session document. It is pure:
// the input document is never mutated and the event timestamp is the only
// clock. changed is true iff the returned document differs from the input
// by value on any field other than lastUpdate.
func Reduce(doc model.Document, ev *nina.Event) (model.Document, bool) {
	next := doc.Clone()
	ts := ev.Timestamp

	applyExpiry(&next, ts)

	switch {
	case ev.Type == "TS-TARGETSTART" || ev.Type == "TS-NEWTARGETSTART":
		applyTargetStart(&next, ev)

	case ev.Type == "SEQUENCE-STARTING":
		if next.FSMState == model.StateIdle {
			startSession(&next, ts)
		}
		setActivity(&next, model.SubsystemSequencer, ev.Type, true, ts)

	case isSessionEnd(ev.Type):
		setActivity(&next, model.SubsystemSequencer, ev.Type, false, ts)
		endSession(&next)

	case ev.Type == "FILTERWHEEL-CHANGED":
		if name := ev.String("New.Name"); name != "" {
			next.Filter = &model.Filter{Name: name}
		}

	case ev.Type == "IMAGE-SAVE":
		applyImageSave(&next, ev)

	case ev.Type == "SAFETY-CHANGED":
		applySafetyChange(&next, ev)

	case ev.Type == "FLAT-CONNECTED":
		applyFlatConnected(&next, ts)

	case ev.Type == "FLAT-DISCONNECTED":
		applyFlatDisconnected(&next)

	default:
		if edge, ok := activityEvents[ev.Type]; ok {
			setActivity(&next, edge.subsystem, ev.Type, edge.active, ts)
			if edge.active && next.FSMState == model.StatePaused {
				resume(&next)
			}
		}
		applyEquipmentChange(&next, ev)
	}

	projectActivity(&next)
	next.IsGuiding = hasActive(next, model.SubsystemGuiding)

	changed := !next.Equal(doc)
	if changed {
		next.LastUpdate = ts
	} else {
		next.LastUpdate = doc.LastUpdate
	}
	return next, changed
}

func isSessionEnd(eventType string) bool {
	_, ok := sessionEndEvents[eventType]
	return ok
}

func startSession(doc *model.Document, ts time.Time) {
	start := ts
	doc.SessionUUID = model.NewSessionUUID(start)
	doc.SessionStart = &start
	doc.IsActive = true
	doc.FSMState = model.StateImaging
}

// endSession returns to idle. The session UUID is retained so persisted
// events keep their tag; everything session-scoped is reset.
func endSession(doc *model.Document) {
	doc.SessionStart = nil
	doc.IsActive = false
	doc.FSMState = model.StateIdle
	doc.Target = nil
	doc.Flats = model.Flats{}
	doc.Darks = model.Darks{}
	doc.ActiveSubsystems = nil
	doc.IsGuiding = false
	doc.PausedFrom = ""
}

func applyTargetStart(doc *model.Document, ev *nina.Event) {
	ts := ev.Timestamp
	name := ev.String("TargetName")

	// A target start during a darks run finishes the darks first
	if doc.FSMState == model.StateDarks {
		endSession(doc)
	}

	switch {
	case doc.FSMState == model.StateIdle:
		startSession(doc, ts)
	case doc.Target != nil && doc.Target.Name != name:
		// A different target closes the running session and opens a new one
		endSession(doc)
		startSession(doc, ts)
	}

	target := &model.Target{
		Name:      name,
		Project:   ev.String("ProjectName"),
		StartedAt: ts,
	}
	if coords := ev.Map("Coordinates"); coords != nil {
		ra, _ := coords["RAString"].(string)
		dec, _ := coords["DecString"].(string)
		target.Coordinates = &model.Coordinates{RAString: ra, DecString: dec}
	}
	if rot, ok := ev.Float("Rotation"); ok {
		target.Rotation = rot
	}
	if end := parseEventTime(ev, "ScheduledEndTime", "EndTime"); end != nil {
		target.ScheduledEndAt = end
	}
	doc.Target = target
	doc.FSMState = model.StateImaging
	doc.IsActive = true
}

func applyImageSave(doc *model.Document, ev *nina.Event) {
	ts := ev.Timestamp
	stats := imageStats(ev)
	imageType := classifyImage(stats)

	// An image save while paused is activity; return to the interrupted mode
	if doc.FSMState == model.StatePaused {
		resume(doc)
	}

	img := &model.LastImage{
		Type:      imageType,
		Timestamp: ts,
	}
	if stats != nil {
		if f, _ := stats["Filter"].(string); f != "" {
			img.Filter = f
		}
		if v, ok := statFloat(stats, "ExposureTime"); ok {
			img.ExposureTime = v
		}
		if v, ok := statFloat(stats, "Temperature"); ok {
			img.Temperature = &v
		}
		if v, ok := statFloat(stats, "HFR", "Hfr"); ok {
			img.HFR = &v
		}
		if v, ok := statFloat(stats, "Stars", "StarCount"); ok {
			n := int(v)
			img.Stars = &n
		}
		if v, ok := statFloat(stats, "RMS", "Rms", "GuidingRMS"); ok {
			img.RMS = &v
		}
	}
	doc.LastImage = img

	switch imageType {
	case model.ImageLight:
		if doc.FSMState == model.StateIdle {
			// Seeing frames without an observed start still means a live run
			startSession(doc, ts)
		}
		if doc.FSMState == model.StateFlats || doc.FSMState == model.StateDarks {
			doc.FSMState = model.StateImaging
			doc.Flats.IsActive = false
			doc.Darks.IsActive = false
		}
		if img.Filter != "" {
			doc.Filter = &model.Filter{Name: img.Filter}
		}

	case model.ImageFlat:
		if doc.FSMState == model.StateIdle {
			startSession(doc, ts)
		}
		if !doc.Flats.IsActive {
			beginFlats(doc, ts)
		}
		doc.FSMState = model.StateFlats
		doc.Darks.IsActive = false
		doc.Flats.ImageCount++
		doc.Flats.LastImageAt = &ts
		if img.Filter != "" {
			doc.Flats.Filter = img.Filter
		}
		if v, ok := statFloat(imageStats(ev), "Brightness", "PanelBrightness"); ok {
			doc.Flats.Brightness = &v
		}

	case model.ImageDark:
		if doc.FSMState == model.StateIdle {
			startSession(doc, ts)
		}
		if !doc.Darks.IsActive {
			doc.Darks = model.Darks{IsActive: true, StartedAt: &ts}
		}
		doc.FSMState = model.StateDarks
		doc.Flats.IsActive = false
		exposure := img.ExposureTime
		doc.Darks.CurrentExposureTime = exposure
		if doc.Darks.ExposureGroups == nil {
			doc.Darks.ExposureGroups = make(map[string]int)
		}
		doc.Darks.ExposureGroups[exposureKey(exposure)]++
		doc.Darks.TotalImages++
		doc.Darks.LastImageAt = &ts
	}
}

func applySafetyChange(doc *model.Document, ev *nina.Event) {
	ts := ev.Timestamp
	safe, ok := ev.Bool("IsSafe")
	if !ok {
		return
	}
	doc.Safety = model.Safety{IsSafe: &safe, Time: &ts}

	switch {
	case !safe && doc.IsActive && doc.FSMState != model.StatePaused:
		// Remember the interrupted mode; paused projects flats/darks inactive
		doc.PausedFrom = doc.FSMState
		doc.FSMState = model.StatePaused
		doc.Flats.IsActive = false
		doc.Darks.IsActive = false
	case safe && doc.FSMState == model.StatePaused:
		resume(doc)
	}
}

func applyFlatConnected(doc *model.Document, ts time.Time) {
	if doc.FSMState == model.StateIdle {
		startSession(doc, ts)
	}
	if !doc.Flats.IsActive {
		beginFlats(doc, ts)
	}
	doc.FSMState = model.StateFlats
}

func applyFlatDisconnected(doc *model.Document) {
	doc.Flats.IsActive = false
	if doc.FSMState != model.StateFlats {
		return
	}
	if doc.Target != nil {
		doc.FSMState = model.StateImaging
	} else {
		endSession(doc)
	}
}

func beginFlats(doc *model.Document, ts time.Time) {
	doc.Flats = model.Flats{IsActive: true, StartedAt: &ts}
	if doc.Filter != nil {
		doc.Flats.Filter = doc.Filter.Name
	}
}

// resume leaves paused for whichever mode was interrupted.
func resume(doc *model.Document) {
	switch doc.PausedFrom {
	case model.StateDarks:
		doc.FSMState = model.StateDarks
		doc.Darks.IsActive = true
	case model.StateFlats:
		doc.FSMState = model.StateFlats
		doc.Flats.IsActive = true
	default:
		if doc.IsActive {
			doc.FSMState = model.StateImaging
		} else {
			doc.FSMState = model.StateIdle
		}
	}
	doc.PausedFrom = ""
}

// applyEquipmentChange records <DEVICE>-CONNECTED / <DEVICE>-DISCONNECTED
// edges. A device reconnect while paused resumes the session; the safety
// value itself moves only on SAFETY-CHANGED.
func applyEquipmentChange(doc *model.Document, ev *nina.Event) {
	device, event, ok := splitEquipmentEvent(ev.Type)
	if !ok {
		return
	}
	doc.LastEquipmentChange = &model.EquipmentChange{
		Device: device,
		Event:  event,
		Time:   ev.Timestamp,
	}
	if event == "CONNECTED" && doc.FSMState == model.StatePaused {
		resume(doc)
	}
}

func splitEquipmentEvent(eventType string) (device, event string, ok bool) {
	switch {
	case strings.HasSuffix(eventType, "-DISCONNECTED"):
		return strings.TrimSuffix(eventType, "-DISCONNECTED"), "DISCONNECTED", true
	case strings.HasSuffix(eventType, "-CONNECTED"):
		return strings.TrimSuffix(eventType, "-CONNECTED"), "CONNECTED", true
	}
	return "", "", false
}

// setActivity records a subsystem start or stop edge.
func setActivity(doc *model.Document, sub model.Subsystem, state string, active bool, ts time.Time) {
	if active {
		if doc.ActiveSubsystems == nil {
			doc.ActiveSubsystems = make(map[model.Subsystem]model.Activity)
		}
		since := ts
		doc.ActiveSubsystems[sub] = model.Activity{Subsystem: sub, State: state, Since: &since}
		return
	}
	delete(doc.ActiveSubsystems, sub)
	if len(doc.ActiveSubsystems) == 0 {
		doc.ActiveSubsystems = nil
	}
	since := ts
	doc.LastActivity = &model.Activity{Subsystem: sub, State: state, Since: &since}
}

// projectActivity picks the highest-priority running subsystem, falling back
// to the most recent stop edge, then to none.
func projectActivity(doc *model.Document) {
	for _, sub := range model.SubsystemPriority {
		if act, ok := doc.ActiveSubsystems[sub]; ok {
			doc.Activity = act
			return
		}
	}
	if doc.LastActivity != nil {
		doc.Activity = *doc.LastActivity
		return
	}
	doc.Activity = model.Activity{Subsystem: model.SubsystemNone}
}

func hasActive(doc model.Document, sub model.Subsystem) bool {
	_, ok := doc.ActiveSubsystems[sub]
	return ok
}

// applyExpiry marks a scheduled target expired once its end passes, and ends
// sessions abandoned for the inactivity window when no schedule is known.
func applyExpiry(doc *model.Document, now time.Time) {
	if doc.Target == nil || !doc.IsActive {
		return
	}
	if doc.Target.ScheduledEndAt != nil {
		if now.After(*doc.Target.ScheduledEndAt) {
			doc.Target.IsExpired = true
		}
		return
	}

	anchor := doc.Target.StartedAt
	if doc.LastImage != nil && doc.LastImage.Timestamp.After(anchor) {
		anchor = doc.LastImage.Timestamp
	}
	if now.Sub(anchor) >= inactivityExpiry {
		endSession(doc)
	}
}

func imageStats(ev *nina.Event) map[string]interface{} {
	if ev.Enriched != nil {
		if stats, ok := ev.Enriched["ImageStatistics"].(map[string]interface{}); ok {
			return stats
		}
	}
	return ev.Map("ImageStatistics")
}

func classifyImage(stats map[string]interface{}) model.ImageType {
	if stats == nil {
		return model.ImageUnknown
	}
	imageType, _ := stats["ImageType"].(string)
	switch strings.ToUpper(imageType) {
	case "LIGHT":
		return model.ImageLight
	case "DARK":
		return model.ImageDark
	case "FLAT":
		return model.ImageFlat
	default:
		return model.ImageUnknown
	}
}

func statFloat(stats map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := stats[key].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// exposureKey renders an exposure time as a stable group key, "60" not "60.0".
func exposureKey(exposure float64) string {
	return strconv.FormatFloat(exposure, 'f', -1, 64)
}

func parseEventTime(ev *nina.Event, keys ...string) *time.Time {
	for _, key := range keys {
		raw := ev.String(key)
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, raw); err == nil {
				u := t.UTC()
				return &u
			}
		}
	}
	return nil
}
