// Package session runs the per-connection chat pipeline: ingress reads the
// transport, processing calls the query engine, egress writes events back.
// The stages are joined by two single-consumer queues and stop only when the
// disconnect signal reaches them.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/minima/chatbridge/pkg/bus"
	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/metrics"
	"github.com/minima/chatbridge/pkg/protocol"
	"github.com/minima/chatbridge/pkg/queue"
)

type Options struct {
	Engine  engine.Engine
	Decoder *protocol.Decoder
	Metrics *metrics.Metrics
}

type Session struct {
	ID string

	transport Transport
	engine    engine.Engine
	decoder   *protocol.Decoder
	metrics   *metrics.Metrics

	questions *queue.AsyncQueue[bus.Inbound]
	responses *queue.AsyncQueue[bus.Outbound]

	closeOnce sync.Once
}

// New prepares a session over t. An empty id is replaced by a random UUID.
func New(id string, t Transport, opts Options) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = protocol.NewDecoder(true)
	}
	return &Session{
		ID:        id,
		transport: t,
		engine:    opts.Engine,
		decoder:   decoder,
		metrics:   opts.Metrics,
		questions: queue.New[bus.Inbound](),
		responses: queue.New[bus.Outbound](),
	}
}

// Run starts ingress, processing and egress and returns once all three have
// finished. A nil result means the client disconnected normally.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	logger.InfoCF("session", "Session started", map[string]any{"session_id": s.ID})

	var g errgroup.Group
	g.Go(func() error { return s.stage(ctx, "egress", s.egress) })
	g.Go(func() error { return s.stage(ctx, "processing", s.processing) })
	g.Go(func() error { return s.stage(ctx, "ingress", s.ingress) })
	err := g.Wait()

	fields := map[string]any{"session_id": s.ID}
	if err != nil {
		fields["error"] = err.Error()
	}
	logger.InfoCF("session", "Session ended", fields)
	return err
}

// stage runs fn and, when it fails, closes the transport so ingress sees a
// disconnect and releases the other stages through the usual signal path.
func (s *Session) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		logger.DebugCF(name, "Stage finished", map[string]any{"session_id": s.ID})
		return nil
	}

	s.metrics.StageError(name)
	logger.ErrorCF(name, "Stage failed", map[string]any{
		"session_id": s.ID,
		"error":      err.Error(),
	})
	s.closeTransport()
	return fmt.Errorf("%s: %w", name, err)
}

// Abort force-wakes both queues of this session. Consumers blocked on an
// empty queue return queue.ErrInterrupted.
func (s *Session) Abort() {
	s.questions.Shutdown()
	s.responses.Shutdown()
}

// injectDisconnect puts the disconnect signal on both queues. The response
// queue gets it first so egress never writes past it.
func (s *Session) injectDisconnect() {
	s.responses.Enqueue(bus.Disconnected())
	s.questions.Enqueue(bus.Control(bus.SignalClientDisconnected))
}

func (s *Session) closeTransport() {
	c, ok := s.transport.(io.Closer)
	if !ok {
		return
	}
	s.closeOnce.Do(func() {
		_ = c.Close()
	})
}
