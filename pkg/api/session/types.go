// Package session defines the derived session document: the JSON shape the
// gateway serves over HTTP and broadcasts to dashboard WebSocket clients.
package session

import (
	"fmt"
	"reflect"
	"time"
)

// State is the session FSM state.
type State string

const (
	StateIdle    State = "idle"
	StateImaging State = "imaging"
	StateFlats   State = "flats"
	StateDarks   State = "darks"
	StatePaused  State = "paused"
)

// DefaultSessionUUID tags events observed before any session boundary.
const DefaultSessionUUID = "session_current"

// NewSessionUUID derives a session identifier from its start instant.
func NewSessionUUID(start time.Time) string {
	return fmt.Sprintf("session_%d", start.UTC().UnixMilli())
}

// ImageType classifies a saved frame.
type ImageType string

const (
	ImageLight   ImageType = "LIGHT"
	ImageDark    ImageType = "DARK"
	ImageFlat    ImageType = "FLAT"
	ImageUnknown ImageType = "UNKNOWN"
)

// Subsystem identifies the equipment subsystem an activity belongs to.
type Subsystem string

const (
	SubsystemAutofocus Subsystem = "autofocus"
	SubsystemGuiding   Subsystem = "guiding"
	SubsystemMount     Subsystem = "mount"
	SubsystemRotator   Subsystem = "rotator"
	SubsystemSequencer Subsystem = "sequencer"
	SubsystemFlats     Subsystem = "flats"
	SubsystemDarks     Subsystem = "darks"
	SubsystemNone      Subsystem = "none"
)

// SubsystemPriority orders concurrently active subsystems; the lowest index
// wins the activity projection.
var SubsystemPriority = []Subsystem{
	SubsystemAutofocus,
	SubsystemGuiding,
	SubsystemMount,
	SubsystemRotator,
	SubsystemSequencer,
}

// Coordinates are the target's sky coordinates as reported upstream.
type Coordinates struct {
	RAString  string `json:"raString"`
	DecString string `json:"decString"`
}

// Target describes what the imaging host is currently pointed at.
type Target struct {
	Name           string       `json:"name"`
	Project        string       `json:"project"`
	Coordinates    *Coordinates `json:"coordinates,omitempty"`
	Rotation       float64      `json:"rotation"`
	StartedAt      time.Time    `json:"startedAt"`
	ScheduledEndAt *time.Time   `json:"scheduledEndAt,omitempty"`
	IsExpired      bool         `json:"isExpired"`
}

// Filter is the currently selected optical filter.
type Filter struct {
	Name string `json:"name"`
}

// LastImage carries statistics of the most recent saved frame.
type LastImage struct {
	Type         ImageType `json:"type"`
	Filter       string    `json:"filter,omitempty"`
	ExposureTime float64   `json:"exposureTime"`
	Temperature  *float64  `json:"temperature,omitempty"`
	HFR          *float64  `json:"hfr,omitempty"`
	Stars        *int      `json:"stars,omitempty"`
	RMS          *float64  `json:"rms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Safety is the observatory safety monitor reading. IsSafe is tri-state:
// nil means no SAFETY-CHANGED event has been observed yet.
type Safety struct {
	IsSafe *bool      `json:"isSafe"`
	Time   *time.Time `json:"time,omitempty"`
}

// Activity is the projection of the highest-priority active subsystem.
type Activity struct {
	Subsystem Subsystem  `json:"subsystem"`
	State     string     `json:"state"`
	Since     *time.Time `json:"since,omitempty"`
}

// EquipmentChange records the most recent device connect/disconnect.
type EquipmentChange struct {
	Device string    `json:"device"`
	Event  string    `json:"event"` // CONNECTED or DISCONNECTED
	Time   time.Time `json:"time"`
}

// Flats tracks an active flat-frame calibration run.
type Flats struct {
	IsActive    bool       `json:"isActive"`
	Filter      string     `json:"filter,omitempty"`
	Brightness  *float64   `json:"brightness,omitempty"`
	ImageCount  int        `json:"imageCount"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastImageAt *time.Time `json:"lastImageAt,omitempty"`
}

// Darks tracks an active dark-frame calibration run, grouped by exposure.
type Darks struct {
	IsActive            bool           `json:"isActive"`
	CurrentExposureTime float64        `json:"currentExposureTime"`
	ExposureGroups      map[string]int `json:"exposureGroups,omitempty"`
	TotalImages         int            `json:"totalImages"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	LastImageAt         *time.Time     `json:"lastImageAt,omitempty"`
}

// Document is the derived session state. It is produced exclusively by the
// session reducer and treated as immutable once snapshotted.
type Document struct {
	SessionUUID  string     `json:"sessionUuid"`
	SessionStart *time.Time `json:"sessionStart"`
	IsActive     bool       `json:"isActive"`
	FSMState     State      `json:"fsmState"`

	Target              *Target          `json:"target"`
	Filter              *Filter          `json:"filter"`
	LastImage           *LastImage       `json:"lastImage"`
	Safety              Safety           `json:"safety"`
	Activity            Activity         `json:"activity"`
	LastEquipmentChange *EquipmentChange `json:"lastEquipmentChange"`
	Flats               Flats            `json:"flats"`
	Darks               Darks            `json:"darks"`
	IsGuiding           bool             `json:"isGuiding"`

	// PausedFrom remembers which mode a safety pause interrupted, so flats
	// and darks can report inactive while paused yet resume where they were.
	PausedFrom State `json:"pausedFrom,omitempty"`

	// ActiveSubsystems carries every currently-running subsystem so the
	// Activity projection stays deterministic across replay.
	ActiveSubsystems map[Subsystem]Activity `json:"activeSubsystems,omitempty"`
	// LastActivity is what the most recent activity event set, shown when
	// nothing is currently running (e.g. guiding just stopped).
	LastActivity *Activity `json:"lastActivity,omitempty"`

	// ConnectionStatus reflects the upstream link, stamped by the state
	// store at snapshot time; the reducer never touches it.
	ConnectionStatus bool `json:"connectionStatus"`

	LastUpdate time.Time `json:"lastUpdate"`
}

// NewDocument returns the empty, well-formed document served before any
// session has been observed.
func NewDocument() Document {
	return Document{
		SessionUUID: DefaultSessionUUID,
		FSMState:    StateIdle,
		Activity:    Activity{Subsystem: SubsystemNone},
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	if d.SessionStart != nil {
		t := *d.SessionStart
		out.SessionStart = &t
	}
	if d.Target != nil {
		t := *d.Target
		if d.Target.Coordinates != nil {
			c := *d.Target.Coordinates
			t.Coordinates = &c
		}
		if d.Target.ScheduledEndAt != nil {
			e := *d.Target.ScheduledEndAt
			t.ScheduledEndAt = &e
		}
		out.Target = &t
	}
	if d.Filter != nil {
		f := *d.Filter
		out.Filter = &f
	}
	if d.LastImage != nil {
		img := *d.LastImage
		img.Temperature = cloneFloat(d.LastImage.Temperature)
		img.HFR = cloneFloat(d.LastImage.HFR)
		img.RMS = cloneFloat(d.LastImage.RMS)
		if d.LastImage.Stars != nil {
			s := *d.LastImage.Stars
			img.Stars = &s
		}
		out.LastImage = &img
	}
	if d.Safety.IsSafe != nil {
		b := *d.Safety.IsSafe
		out.Safety.IsSafe = &b
	}
	if d.Safety.Time != nil {
		t := *d.Safety.Time
		out.Safety.Time = &t
	}
	out.Activity.Since = cloneTime(d.Activity.Since)
	if d.LastEquipmentChange != nil {
		e := *d.LastEquipmentChange
		out.LastEquipmentChange = &e
	}
	out.Flats.Brightness = cloneFloat(d.Flats.Brightness)
	out.Flats.StartedAt = cloneTime(d.Flats.StartedAt)
	out.Flats.LastImageAt = cloneTime(d.Flats.LastImageAt)
	out.Darks.StartedAt = cloneTime(d.Darks.StartedAt)
	out.Darks.LastImageAt = cloneTime(d.Darks.LastImageAt)
	if d.Darks.ExposureGroups != nil {
		groups := make(map[string]int, len(d.Darks.ExposureGroups))
		for k, v := range d.Darks.ExposureGroups {
			groups[k] = v
		}
		out.Darks.ExposureGroups = groups
	}
	if d.ActiveSubsystems != nil {
		subs := make(map[Subsystem]Activity, len(d.ActiveSubsystems))
		for k, v := range d.ActiveSubsystems {
			v.Since = cloneTime(v.Since)
			subs[k] = v
		}
		out.ActiveSubsystems = subs
	}
	if d.LastActivity != nil {
		a := *d.LastActivity
		a.Since = cloneTime(d.LastActivity.Since)
		out.LastActivity = &a
	}
	return out
}

// Equal reports whether two documents match on every tracked field except
// lastUpdate and connectionStatus.
func (d Document) Equal(other Document) bool {
	a := d.Clone()
	b := other.Clone()
	a.LastUpdate = time.Time{}
	b.LastUpdate = time.Time{}
	a.ConnectionStatus = false
	b.ConnectionStatus = false
	return reflect.DeepEqual(a, b)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
