package report

import (
	"context"
	"errors"
)

// Run is one in-flight generation, edit or add. Its event channel is closed
// after exactly one terminal event. Callers must drain Events (or call
// Wait), otherwise the run blocks.
type Run struct {
	ID        string
	ReportID  string
	SectionID string
	Mode      Mode

	events chan Event
	cancel context.CancelFunc
	pub    Publisher
	seq    int
	result Event
	// published is set once anything reached live viewers.
	published bool
}

func newRun(info RunInfo, cancel context.CancelFunc, pub Publisher) *Run {
	return &Run{
		ID:        info.RunID,
		ReportID:  info.ReportID,
		SectionID: info.SectionID,
		Mode:      info.Mode,
		events:    make(chan Event, 64),
		cancel:    cancel,
		pub:       pub,
	}
}

// Events yields the run's events in emission order.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel asks the run to stop. Sections already committed are kept.
func (r *Run) Cancel() { r.cancel() }

// Wait drains the remaining events and returns the terminal one.
func (r *Run) Wait() Event {
	for range r.events {
	}
	return r.result
}

// emit publishes ev to live viewers and hands it to the requester.
func (r *Run) emit(ctx context.Context, ev Event) {
	r.send(ctx, ev, true)
}

// emitLocal hands ev to the requester only.
func (r *Run) emitLocal(ctx context.Context, ev Event) {
	r.send(ctx, ev, false)
}

// announce publishes ev to live viewers only. The requester never sees it.
func (r *Run) announce(ctx context.Context, ev Event) {
	r.seq++
	r.publish(ctx, ev)
}

func (r *Run) publish(ctx context.Context, ev Event) {
	r.published = true
	r.pub.Publish(context.WithoutCancel(ctx), Envelope{
		ReportID: r.ReportID,
		RunID:    r.ID,
		Seq:      r.seq,
		Event:    ev,
	})
}

func (r *Run) send(ctx context.Context, ev Event, broadcast bool) {
	r.seq++
	if broadcast {
		r.publish(ctx, ev)
	}
	if IsTerminal(ev) {
		r.result = ev
	}
	r.events <- ev
}

func (r *Run) finish() { close(r.events) }

// cancelReason explains why ctx stopped.
func cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "cancelled"
}
