package livesync

import (
	"context"

	"github.com/sirupsen/logrus"

	"finamreports/internal/bus"
	"finamreports/internal/report"
)

// Publisher puts report envelopes on the bus, one topic per report.
type Publisher struct {
	bus bus.Bus
	log logrus.FieldLogger
}

var _ report.Publisher = (*Publisher)(nil)

// NewPublisher wraps b.
func NewPublisher(b bus.Bus, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{bus: b, log: log}
}

// Publish implements report.Publisher. Failures are logged only.
func (p *Publisher) Publish(ctx context.Context, env report.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		p.log.WithError(err).WithField("report_id", env.ReportID).Error("encode envelope")
		return
	}
	if err := p.bus.Publish(ctx, env.ReportID, payload); err != nil {
		p.log.WithError(err).WithField("report_id", env.ReportID).Warn("publish envelope")
	}
}

// StreamRun writes every event of run to w and terminates the stream. When
// the client goes away the run is cancelled and drained so it can settle.
func StreamRun(w *SSEWriter, run *report.Run, log logrus.FieldLogger) report.Event {
	writing := true
	for ev := range run.Events() {
		if !writing {
			continue
		}
		frames, err := Frames(ev)
		if err != nil {
			log.WithError(err).Error("translate event")
			continue
		}
		for _, f := range frames {
			if err := w.WriteFrame(f); err != nil {
				log.WithError(err).WithField("run_id", run.ID).Info("client gone, cancelling run")
				run.Cancel()
				writing = false
				break
			}
		}
	}
	if writing {
		_ = w.Done()
	}
	return run.Wait()
}
