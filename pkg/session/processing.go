package session

import (
	"context"
	"strings"
	"time"

	"github.com/minima/chatbridge/pkg/bus"
	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/utils"
)

var stripNewlines = strings.NewReplacer("\r\n", "", "\n", "")

func (s *Session) processing(ctx context.Context) error {
	for {
		msg, err := s.questions.Dequeue(ctx)
		if err != nil {
			return err
		}

		switch msg.Signal {
		case bus.SignalClientDisconnected:
			s.responses.Enqueue(bus.Emit(bus.Disconnect()))
			if closer, ok := s.engine.(engine.SessionCloser); ok {
				closer.CloseSession(s.ID)
			}
			return nil

		case bus.SignalChatStarted:
			s.responses.Enqueue(bus.Emit(bus.Started()))

		case bus.SignalChatStopped:
			s.responses.Enqueue(bus.Emit(bus.Stopped()))

		default:
			text := stripNewlines.Replace(msg.Content)
			if text == "" {
				continue
			}
			s.responses.Enqueue(bus.Emit(s.ask(ctx, text)))
		}
	}
}

func (s *Session) ask(ctx context.Context, text string) bus.Event {
	started := time.Now()
	res := s.engine.Invoke(ctx, engine.Query{SessionID: s.ID, Text: text})
	s.metrics.EngineQuery(time.Since(started), res.Failed())

	if res.Failed() {
		logger.WarnCF("processing", "Query engine returned an error", map[string]any{
			"session_id": s.ID,
			"error":      res.Err,
		})
		return bus.Failure(res.Err)
	}

	logger.DebugCF("processing", "Answer ready", map[string]any{
		"session_id": s.ID,
		"preview":    utils.Truncate(res.Answer, 80),
		"links":      len(res.Links),
	})
	return bus.Answer(res.Answer, engine.NormalizeLinks(res.Links))
}
