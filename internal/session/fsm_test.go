package session

import (
	"testing"
	"time"

	"skywatch/internal/nina"
	"skywatch/pkg/api/session"
	"skywatch/pkg/logging"
)

// feed runs raw upstream frames through a normalizer and the reducer,
// returning the final document and whether the last event changed it.
func feed(t *testing.T, doc session.Document, frames ...string) (session.Document, bool) {
	t.Helper()
	loc := time.FixedZone("-05:00", -5*3600)
	norm := nina.NewNormalizer(loc, logging.NewTestLogger(), nil)

	changed := false
	for _, frame := range frames {
		ev, ok := norm.Normalize([]byte(frame))
		if !ok {
			changed = false
			continue
		}
		doc, changed = Reduce(doc, ev)
	}
	return doc, changed
}

func event(t *testing.T, eventType string, ts time.Time, payload map[string]interface{}) *nina.Event {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["Event"] = eventType
	return &nina.Event{Type: eventType, Timestamp: ts, Payload: payload, SessionUUID: session.DefaultSessionUUID}
}

func TestFreshSessionStart(t *testing.T) {
	doc, changed := feed(t, session.NewDocument(),
		`{"Event":"SEQUENCE-STARTING","Time":"2024-01-15T20:00:00-05:00"}`,
		`{"Event":"TS-NEWTARGETSTART","Time":"2024-01-15T20:01:00-05:00","TargetName":"M31","ProjectName":"DSO","Coordinates":{"RAString":"00:42:44.31","DecString":"+41:16:09.4"},"Rotation":180}`,
	)

	if !changed {
		t.Error("target start should change the document")
	}
	if !doc.IsActive {
		t.Error("isActive should be true")
	}
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s", doc.FSMState)
	}
	if doc.Target == nil || doc.Target.Name != "M31" || doc.Target.Project != "DSO" {
		t.Fatalf("target = %+v", doc.Target)
	}
	if doc.Target.Coordinates == nil || doc.Target.Coordinates.RAString != "00:42:44.31" {
		t.Errorf("coordinates = %+v", doc.Target.Coordinates)
	}
	if doc.Target.Rotation != 180 {
		t.Errorf("rotation = %v", doc.Target.Rotation)
	}

	wantStart := time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC)
	if doc.SessionStart == nil || !doc.SessionStart.Equal(wantStart) {
		t.Errorf("sessionStart = %v, want %v", doc.SessionStart, wantStart)
	}
	if doc.SessionUUID != session.NewSessionUUID(wantStart) {
		t.Errorf("sessionUuid = %s", doc.SessionUUID)
	}
}

func TestFilterChangeThenImage(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"SEQUENCE-STARTING","Time":"2024-01-15T20:00:00-05:00"}`,
		`{"Event":"TS-NEWTARGETSTART","Time":"2024-01-15T20:01:00-05:00","TargetName":"M31","ProjectName":"DSO"}`,
		`{"Event":"FILTERWHEEL-CHANGED","Time":"2024-01-15T20:02:00-05:00","Previous":{"Name":"L"},"New":{"Name":"Ha"}}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T20:10:00-05:00","ImageStatistics":{"ImageType":"LIGHT","Filter":"Ha","ExposureTime":300}}`,
	)

	if doc.Filter == nil || doc.Filter.Name != "Ha" {
		t.Errorf("filter = %+v", doc.Filter)
	}
	if doc.LastImage == nil {
		t.Fatal("lastImage is nil")
	}
	if doc.LastImage.Type != session.ImageLight {
		t.Errorf("lastImage.type = %s", doc.LastImage.Type)
	}
	if doc.LastImage.ExposureTime != 300 {
		t.Errorf("lastImage.exposureTime = %v", doc.LastImage.ExposureTime)
	}
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s", doc.FSMState)
	}
}

func TestNoOpFilterChangeDoesNotToggleChanged(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"SEQUENCE-STARTING","Time":"2024-01-15T20:00:00-05:00"}`,
		`{"Event":"FILTERWHEEL-CHANGED","Time":"2024-01-15T20:02:00-05:00","Previous":{"Name":"L"},"New":{"Name":"Ha"}}`,
	)

	// Feed a no-op straight to the reducer, bypassing the normalizer's drop
	ts := time.Date(2024, 1, 16, 1, 15, 0, 0, time.UTC)
	next, changed := Reduce(doc, event(t, "FILTERWHEEL-CHANGED", ts, map[string]interface{}{
		"Previous": map[string]interface{}{"Name": "Ha"},
		"New":      map[string]interface{}{"Name": "Ha"},
	}))
	if changed {
		t.Error("no-op filter change must not toggle changed")
	}
	if !next.LastUpdate.Equal(doc.LastUpdate) {
		t.Errorf("lastUpdate moved on unchanged document")
	}
}

func TestSafetyPauseResume(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T21:00:00-05:00","IsSafe":false}`,
	)
	if doc.FSMState != session.StatePaused {
		t.Fatalf("fsmState = %s, want paused", doc.FSMState)
	}
	if doc.Safety.IsSafe == nil || *doc.Safety.IsSafe {
		t.Errorf("safety.isSafe = %v, want false", doc.Safety.IsSafe)
	}
	if !doc.IsActive {
		t.Error("pause must retain the session")
	}

	// SAFETY-CONNECTED must not alter the safety value
	ts := time.Date(2024, 1, 16, 2, 0, 30, 0, time.UTC)
	doc, _ = Reduce(doc, event(t, "SAFETY-CONNECTED", ts, nil))
	if doc.Safety.IsSafe == nil || *doc.Safety.IsSafe {
		t.Errorf("SAFETY-CONNECTED altered safety.isSafe = %v", doc.Safety.IsSafe)
	}

	doc, _ = feed(t, doc,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T21:01:00-05:00","IsSafe":true}`,
	)
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s, want imaging after resume", doc.FSMState)
	}
	if doc.Safety.IsSafe == nil || !*doc.Safety.IsSafe {
		t.Errorf("safety.isSafe = %v, want true", doc.Safety.IsSafe)
	}
}

func TestDarksGrouping(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T22:00:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":60}}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T22:01:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":60}}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T22:02:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":300}}`,
	)

	if doc.FSMState != session.StateDarks {
		t.Errorf("fsmState = %s", doc.FSMState)
	}
	if !doc.Darks.IsActive {
		t.Error("darks.isActive should be true")
	}
	if got := doc.Darks.ExposureGroups["60"]; got != 2 {
		t.Errorf(`exposureGroups["60"] = %d, want 2`, got)
	}
	if got := doc.Darks.ExposureGroups["300"]; got != 1 {
		t.Errorf(`exposureGroups["300"] = %d, want 1`, got)
	}
	if doc.Darks.TotalImages != 3 {
		t.Errorf("totalImages = %d", doc.Darks.TotalImages)
	}
	if doc.Darks.CurrentExposureTime != 300 {
		t.Errorf("currentExposureTime = %v", doc.Darks.CurrentExposureTime)
	}
}

func TestFlatsLifecycle(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"FILTERWHEEL-CHANGED","Time":"2024-01-15T19:00:00-05:00","Previous":{"Name":"Ha"},"New":{"Name":"L"}}`,
		`{"Event":"FLAT-CONNECTED","Time":"2024-01-15T19:01:00-05:00"}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T19:02:00-05:00","ImageStatistics":{"ImageType":"FLAT","ExposureTime":1,"Filter":"L"}}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T19:03:00-05:00","ImageStatistics":{"ImageType":"FLAT","ExposureTime":1,"Filter":"L"}}`,
	)
	if doc.FSMState != session.StateFlats {
		t.Fatalf("fsmState = %s", doc.FSMState)
	}
	if doc.Flats.ImageCount != 2 {
		t.Errorf("imageCount = %d", doc.Flats.ImageCount)
	}
	if doc.Flats.Filter != "L" {
		t.Errorf("flats.filter = %s", doc.Flats.Filter)
	}
	if !doc.IsActive {
		t.Error("flats run is a session")
	}

	// Disconnect with no imaging target ends the session
	doc, _ = feed(t, doc, `{"Event":"FLAT-DISCONNECTED","Time":"2024-01-15T19:10:00-05:00"}`)
	if doc.FSMState != session.StateIdle || doc.IsActive {
		t.Errorf("state = %s active=%v after flat disconnect", doc.FSMState, doc.IsActive)
	}
}

func TestFlatDisconnectReturnsToImaging(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
		`{"Event":"FLAT-CONNECTED","Time":"2024-01-15T20:30:00-05:00"}`,
		`{"Event":"FLAT-DISCONNECTED","Time":"2024-01-15T20:40:00-05:00"}`,
	)
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s, want imaging", doc.FSMState)
	}
	if doc.Flats.IsActive {
		t.Error("flats should be inactive")
	}
}

func TestNewTargetRollsSession(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
	)
	firstUUID := doc.SessionUUID

	doc, _ = feed(t, doc,
		`{"Event":"TS-NEWTARGETSTART","Time":"2024-01-15T23:00:00-05:00","TargetName":"M42"}`,
	)
	if doc.Target == nil || doc.Target.Name != "M42" {
		t.Fatalf("target = %+v", doc.Target)
	}
	if doc.SessionUUID == firstUUID {
		t.Error("a different target must start a new session")
	}
	if doc.FSMState != session.StateImaging || !doc.IsActive {
		t.Errorf("state = %s active=%v", doc.FSMState, doc.IsActive)
	}
}

func TestTargetStartDuringDarksFinishesDarks(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T18:00:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":60}}`,
	)
	if doc.FSMState != session.StateDarks {
		t.Fatalf("fsmState = %s", doc.FSMState)
	}
	darksUUID := doc.SessionUUID

	doc, _ = feed(t, doc,
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
	)
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s, want imaging", doc.FSMState)
	}
	if doc.Darks.IsActive || doc.Darks.TotalImages != 0 {
		t.Errorf("darks not finished: %+v", doc.Darks)
	}
	if doc.SessionUUID == darksUUID {
		t.Error("target start after darks must begin a new session")
	}
}

func TestSequenceEndReturnsToIdle(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
		`{"Event":"SEQUENCE-COMPLETED","Time":"2024-01-15T23:00:00-05:00"}`,
	)
	if doc.FSMState != session.StateIdle {
		t.Errorf("fsmState = %s", doc.FSMState)
	}
	if doc.IsActive || doc.SessionStart != nil || doc.Target != nil {
		t.Errorf("session not fully ended: active=%v start=%v target=%v", doc.IsActive, doc.SessionStart, doc.Target)
	}
}

func TestActivityPriority(t *testing.T) {
	base := time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC)
	doc := session.NewDocument()

	doc, _ = Reduce(doc, event(t, "GUIDER-START", base, nil))
	if doc.Activity.Subsystem != session.SubsystemGuiding {
		t.Fatalf("activity = %s", doc.Activity.Subsystem)
	}
	if !doc.IsGuiding {
		t.Error("isGuiding should be true")
	}

	// Autofocus outranks guiding while both run
	doc, _ = Reduce(doc, event(t, "AUTOFOCUS-START", base.Add(time.Minute), nil))
	if doc.Activity.Subsystem != session.SubsystemAutofocus {
		t.Errorf("activity = %s, want autofocus", doc.Activity.Subsystem)
	}
	if !doc.IsGuiding {
		t.Error("guiding still active underneath")
	}

	doc, _ = Reduce(doc, event(t, "AUTOFOCUS-FINISHED", base.Add(2*time.Minute), nil))
	if doc.Activity.Subsystem != session.SubsystemGuiding {
		t.Errorf("activity = %s, want guiding again", doc.Activity.Subsystem)
	}

	// Last stop edge is shown when nothing runs
	doc, _ = Reduce(doc, event(t, "GUIDER-STOP", base.Add(3*time.Minute), nil))
	if doc.Activity.Subsystem != session.SubsystemGuiding || doc.Activity.State != "GUIDER-STOP" {
		t.Errorf("activity = %+v", doc.Activity)
	}
	if doc.IsGuiding {
		t.Error("isGuiding should be false")
	}
}

func TestScheduledEndExpiresTargetWithoutEndingSession(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31","ScheduledEndTime":"2024-01-16T03:00:00Z"}`,
	)
	if doc.Target.ScheduledEndAt == nil {
		t.Fatal("scheduledEndAt not parsed")
	}

	doc, _ = Reduce(doc, event(t, "GUIDER-START", time.Date(2024, 1, 16, 4, 0, 0, 0, time.UTC), nil))
	if !doc.Target.IsExpired {
		t.Error("target should be expired")
	}
	if !doc.IsActive || doc.FSMState != session.StateImaging {
		t.Errorf("expiry alone must not end the session: %s active=%v", doc.FSMState, doc.IsActive)
	}
}

func TestInactivityFallbackEndsSession(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
	)

	// 9 hours of silence, then any event triggers the fallback
	late := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC)
	doc, _ = Reduce(doc, event(t, "GUIDER-START", late, nil))
	if doc.IsActive || doc.Target != nil {
		t.Errorf("inactive session should have ended: active=%v target=%v", doc.IsActive, doc.Target)
	}
}

func TestEquipmentChangeRecorded(t *testing.T) {
	ts := time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC)
	doc, changed := Reduce(session.NewDocument(), event(t, "CAMERA-DISCONNECTED", ts, nil))
	if !changed {
		t.Error("equipment change should mark the document changed")
	}
	if doc.LastEquipmentChange == nil || doc.LastEquipmentChange.Device != "CAMERA" {
		t.Fatalf("lastEquipmentChange = %+v", doc.LastEquipmentChange)
	}
	if doc.LastEquipmentChange.Event != "DISCONNECTED" {
		t.Errorf("event = %s", doc.LastEquipmentChange.Event)
	}
}

func TestPauseDuringFlatsProjectsInactiveAndResumes(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"FLAT-CONNECTED","Time":"2024-01-15T19:00:00-05:00"}`,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T19:01:00-05:00","ImageStatistics":{"ImageType":"FLAT","ExposureTime":1,"Filter":"L"}}`,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T19:02:00-05:00","IsSafe":false}`,
	)
	if doc.FSMState != session.StatePaused {
		t.Fatalf("fsmState = %s, want paused", doc.FSMState)
	}
	// While paused the flats run reads inactive but keeps its progress
	if doc.Flats.IsActive {
		t.Error("flats.isActive should be false while paused")
	}
	if doc.Flats.ImageCount != 1 {
		t.Errorf("imageCount = %d, want 1", doc.Flats.ImageCount)
	}
	if doc.PausedFrom != session.StateFlats {
		t.Errorf("pausedFrom = %s, want flats", doc.PausedFrom)
	}

	doc, _ = feed(t, doc,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T19:05:00-05:00","IsSafe":true}`,
	)
	if doc.FSMState != session.StateFlats {
		t.Errorf("fsmState = %s, want flats after resume", doc.FSMState)
	}
	if !doc.Flats.IsActive {
		t.Error("flats.isActive should be restored on resume")
	}
	if doc.PausedFrom != "" {
		t.Errorf("pausedFrom = %s, want cleared", doc.PausedFrom)
	}
}

func TestImageSaveWhilePausedResumesDarks(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T22:00:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":60}}`,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T22:01:00-05:00","IsSafe":false}`,
	)
	if doc.FSMState != session.StatePaused || doc.Darks.IsActive {
		t.Fatalf("state = %s darksActive=%v", doc.FSMState, doc.Darks.IsActive)
	}

	doc, _ = feed(t, doc,
		`{"Event":"IMAGE-SAVE","Time":"2024-01-15T22:02:00-05:00","ImageStatistics":{"ImageType":"DARK","ExposureTime":60}}`,
	)
	if doc.FSMState != session.StateDarks || !doc.Darks.IsActive {
		t.Errorf("state = %s darksActive=%v, want darks resumed", doc.FSMState, doc.Darks.IsActive)
	}
	// The run picks up where it left off rather than restarting
	if got := doc.Darks.ExposureGroups["60"]; got != 2 {
		t.Errorf(`exposureGroups["60"] = %d, want 2`, got)
	}
}

func TestGuiderStartResumesPausedSession(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
		`{"Event":"SAFETY-CHANGED","Time":"2024-01-15T21:00:00-05:00","IsSafe":false}`,
	)
	doc, _ = Reduce(doc, event(t, "GUIDER-START", time.Date(2024, 1, 16, 2, 30, 0, 0, time.UTC), nil))
	if doc.FSMState != session.StateImaging {
		t.Errorf("fsmState = %s, want imaging", doc.FSMState)
	}
	// Resume via activity must not touch safety
	if doc.Safety.IsSafe == nil || *doc.Safety.IsSafe {
		t.Errorf("safety.isSafe = %v", doc.Safety.IsSafe)
	}
}

func TestUnknownEventLeavesDocumentUnchanged(t *testing.T) {
	doc, _ := feed(t, session.NewDocument(),
		`{"Event":"TS-TARGETSTART","Time":"2024-01-15T20:00:00-05:00","TargetName":"M31"}`,
	)
	next, changed := Reduce(doc, event(t, "FLAT-COVER-CLOSED", time.Date(2024, 1, 16, 1, 30, 0, 0, time.UTC), nil))
	if changed {
		t.Error("unhandled event must not toggle changed")
	}
	if !next.Equal(doc) {
		t.Error("document drifted on unhandled event")
	}
}
