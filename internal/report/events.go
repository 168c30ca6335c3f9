package report

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind tags the variants of Event.
type EventKind string

const (
	KindStarted          EventKind = "started"
	KindContentDelta     EventKind = "content"
	KindSectionDetected  EventKind = "section"
	KindEntitiesDetected EventKind = "entities"
	KindCompleted        EventKind = "completed"
	KindFailed           EventKind = "failed"
	KindCancelled        EventKind = "cancelled"
	KindSectionRemoved   EventKind = "section_removed"
)

// Mode distinguishes the run flavours sharing the event vocabulary.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeEdit     Mode = "edit"
	ModeAdd      Mode = "add"
)

// Event is one increment of a generation or edit run, or a standalone
// report change. The set of variants is closed: Started, ContentDelta,
// SectionDetected, EntitiesDetected, Completed, Failed, Cancelled and
// SectionRemoved.
type Event interface {
	Kind() EventKind
	sealed()
}

// Started opens a run. SectionID is set for edit and add runs.
type Started struct {
	RunID     string `json:"runId"`
	ReportID  string `json:"reportId"`
	SectionID string `json:"sectionId,omitempty"`
	Mode      Mode   `json:"mode"`
}

// ContentDelta carries one provider fragment.
type ContentDelta struct {
	Text string `json:"text"`
}

// SectionDetected announces a section that has been persisted.
type SectionDetected struct {
	Section Section `json:"section"`
}

// EntitiesDetected announces the upserted entities of a run.
type EntitiesDetected struct {
	Entities []DetectedEntity `json:"entities"`
}

// Completed terminates a successful run.
type Completed struct {
	Summary Summary `json:"summary"`
}

// Failed terminates a run that hit an error. Err keeps the typed cause for
// in-process callers and is not serialized.
type Failed struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Cancelled terminates a run stopped by its caller or a timeout.
type Cancelled struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason"`
}

// SectionRemoved announces a deleted section. It is published outside any
// run; Order is the position the section held before the rest closed up.
type SectionRemoved struct {
	ReportID  string `json:"reportId"`
	SectionID string `json:"sectionId"`
	Order     int    `json:"order"`
}

func (Started) Kind() EventKind          { return KindStarted }
func (ContentDelta) Kind() EventKind     { return KindContentDelta }
func (SectionDetected) Kind() EventKind  { return KindSectionDetected }
func (EntitiesDetected) Kind() EventKind { return KindEntitiesDetected }
func (Completed) Kind() EventKind        { return KindCompleted }
func (Failed) Kind() EventKind           { return KindFailed }
func (Cancelled) Kind() EventKind        { return KindCancelled }
func (SectionRemoved) Kind() EventKind   { return KindSectionRemoved }

func (Started) sealed()          {}
func (ContentDelta) sealed()     {}
func (SectionDetected) sealed()  {}
func (EntitiesDetected) sealed() {}
func (Completed) sealed()        {}
func (Failed) sealed()           {}
func (Cancelled) sealed()        {}
func (SectionRemoved) sealed()   {}

// IsTerminal reports whether ev ends a run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Envelope is the unit published on the broadcast bus.
type Envelope struct {
	ReportID string
	RunID    string
	Seq      int
	Event    Event
}

type envelopeWire struct {
	ReportID string              `json:"reportId"`
	RunID    string              `json:"runId"`
	Seq      int                 `json:"seq"`
	Kind     EventKind           `json:"kind"`
	Event    jsoniter.RawMessage `json:"event"`
}

// MarshalJSON encodes the envelope with a kind tag.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("envelope %s/%d: nil event", e.RunID, e.Seq)
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Event.Kind(), err)
	}
	return json.Marshal(envelopeWire{
		ReportID: e.ReportID,
		RunID:    e.RunID,
		Seq:      e.Seq,
		Kind:     e.Event.Kind(),
		Event:    payload,
	})
}

// UnmarshalJSON decodes a kind-tagged envelope into the concrete variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var (
		ev  Event
		err error
	)
	switch wire.Kind {
	case KindStarted:
		var v Started
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindContentDelta:
		var v ContentDelta
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindSectionDetected:
		var v SectionDetected
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindEntitiesDetected:
		var v EntitiesDetected
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindCompleted:
		var v Completed
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindFailed:
		var v Failed
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindCancelled:
		var v Cancelled
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	case KindSectionRemoved:
		var v SectionRemoved
		err = json.Unmarshal(wire.Event, &v)
		ev = v
	default:
		return fmt.Errorf("unknown event kind %q", wire.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s event: %w", wire.Kind, err)
	}

	*e = Envelope{ReportID: wire.ReportID, RunID: wire.RunID, Seq: wire.Seq, Event: ev}
	return nil
}
