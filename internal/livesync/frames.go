// Package livesync relays generation events to connected viewers over SSE
// and WebSocket.
package livesync

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"finamreports/internal/report"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame types on the wire.
const (
	FrameContent   = "content"
	FrameSectionID = "section_id"
	FrameSection   = "section"
	FrameEntity    = "entity"
	FrameComplete  = "complete"
	FrameError     = "error"
	FrameCancelled = "cancelled"

	FrameSectionRemoved = "section_removed"
)

// Frame is one `data:` payload.
type Frame struct {
	Type      string                 `json:"type"`
	Content   string                 `json:"content,omitempty"`
	SectionID string                 `json:"sectionId,omitempty"`
	Section   *report.Section        `json:"section,omitempty"`
	Entity    *report.DetectedEntity `json:"entity,omitempty"`
	Report    *report.Summary        `json:"report,omitempty"`
	Version   int                    `json:"version,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Order     *int                   `json:"order,omitempty"`
	RunID     string                 `json:"runId,omitempty"`
	Seq       int                    `json:"seq,omitempty"`
}

// Frames translates an event into its wire frames. Started yields a
// section_id frame for edit and add runs and nothing for generation.
func Frames(ev report.Event) ([]Frame, error) {
	switch e := ev.(type) {
	case report.Started:
		if e.SectionID == "" {
			return nil, nil
		}
		return []Frame{{Type: FrameSectionID, SectionID: e.SectionID}}, nil
	case report.ContentDelta:
		return []Frame{{Type: FrameContent, Content: e.Text}}, nil
	case report.SectionDetected:
		s := e.Section
		return []Frame{{Type: FrameSection, Section: &s}}, nil
	case report.EntitiesDetected:
		frames := make([]Frame, 0, len(e.Entities))
		for i := range e.Entities {
			ent := e.Entities[i]
			frames = append(frames, Frame{Type: FrameEntity, Entity: &ent})
		}
		return frames, nil
	case report.Completed:
		summary := e.Summary
		return []Frame{{Type: FrameComplete, Report: &summary, Version: summary.Version}}, nil
	case report.Failed:
		return []Frame{{Type: FrameError, Error: e.Reason}}, nil
	case report.Cancelled:
		return []Frame{{Type: FrameCancelled, Reason: e.Reason}}, nil
	case report.SectionRemoved:
		order := e.Order
		return []Frame{{Type: FrameSectionRemoved, SectionID: e.SectionID, Order: &order}}, nil
	default:
		return nil, fmt.Errorf("livesync: unknown event %T", ev)
	}
}

// EnvelopeFrames translates a bus envelope, tagging frames with run and
// sequence.
func EnvelopeFrames(env report.Envelope) ([]Frame, error) {
	frames, err := Frames(env.Event)
	if err != nil {
		return nil, err
	}
	for i := range frames {
		frames[i].RunID = env.RunID
		frames[i].Seq = env.Seq
	}
	return frames, nil
}
