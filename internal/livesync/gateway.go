package livesync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"finamreports/internal/bus"
	"finamreports/internal/report"
)

// Gateway serves live report feeds. It owns its connection bookkeeping;
// Close disconnects every viewer.
type Gateway struct {
	bus       bus.Bus
	log       logrus.FieldLogger
	keepAlive time.Duration

	mu     sync.Mutex
	conns  map[int64]context.CancelFunc
	nextID int64
	closed bool
	wg     sync.WaitGroup
}

// NewGateway constructs a gateway over b. A keepAlive of zero uses 15s.
func NewGateway(b bus.Bus, keepAlive time.Duration, log logrus.FieldLogger) *Gateway {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{bus: b, log: log, keepAlive: keepAlive, conns: make(map[int64]context.CancelFunc)}
}

// Connections reports the number of connected viewers.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) attach(parent context.Context) (context.Context, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, bus.ErrClosed
	}

	ctx, cancel := context.WithCancel(parent)
	id := g.nextID
	g.nextID++
	g.conns[id] = cancel
	g.wg.Add(1)

	detach := func() {
		cancel()
		g.mu.Lock()
		delete(g.conns, id)
		g.mu.Unlock()
		g.wg.Done()
	}
	return ctx, detach, nil
}

// Close disconnects every viewer and waits for their handlers to return.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for _, cancel := range g.conns {
		cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// ServeSSE streams the report's live frames until ctx ends, the gateway
// closes or the client goes away.
func (g *Gateway) ServeSSE(ctx context.Context, w http.ResponseWriter, reportID string) error {
	ctx, detach, err := g.attach(ctx)
	if err != nil {
		return err
	}
	defer detach()

	sub, err := g.bus.Subscribe(reportID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", reportID, err)
	}
	defer sub.Close()

	PrepareHeaders(w)
	w.WriteHeader(http.StatusOK)
	sw := NewSSEWriter(w)
	if err := sw.Comment("connected " + reportID); err != nil {
		return nil
	}

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	logger := g.log.WithFields(logrus.Fields{"report_id": reportID, "transport": "sse", "subscriber": sub.ID})
	logger.Debug("viewer connected")
	defer logger.Debug("viewer disconnected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sw.Comment("keep-alive"); err != nil {
				return nil
			}
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			frames, err := g.decode(msg)
			if err != nil {
				logger.WithError(err).Warn("dropping undecodable envelope")
				continue
			}
			for _, f := range frames {
				if err := sw.WriteFrame(f); err != nil {
					return nil
				}
			}
		}
	}
}

// ServeWS streams the same frames as JSON text messages over conn. The
// connection is closed on return.
func (g *Gateway) ServeWS(ctx context.Context, conn *websocket.Conn, reportID string) error {
	defer conn.Close()

	ctx, detach, err := g.attach(ctx)
	if err != nil {
		return err
	}
	defer detach()

	sub, err := g.bus.Subscribe(reportID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", reportID, err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Viewers only listen; reading surfaces close frames and dead peers.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	logger := g.log.WithFields(logrus.Fields{"report_id": reportID, "transport": "ws", "subscriber": sub.ID})
	logger.Debug("viewer connected")
	defer logger.Debug("viewer disconnected")

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			frames, err := g.decode(msg)
			if err != nil {
				logger.WithError(err).Warn("dropping undecodable envelope")
				continue
			}
			for _, f := range frames {
				payload, err := json.Marshal(f)
				if err != nil {
					logger.WithError(err).Error("encode frame")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return nil
				}
			}
		}
	}
}

func (g *Gateway) decode(msg bus.Message) ([]Frame, error) {
	var env report.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, err
	}
	return EnvelopeFrames(env)
}
