package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/minima/chatbridge/pkg/bus"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/utils"
)

func (s *Session) ingress(ctx context.Context) error {
	if err := s.transport.Accept(ctx); err != nil {
		s.injectDisconnect()
		if isDisconnect(err) {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}

	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			s.injectDisconnect()
			if isDisconnect(err) {
				logger.InfoCF("ingress", "Client disconnected", map[string]any{"session_id": s.ID})
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		msg := s.decoder.Decode(frame)
		switch msg.Signal {
		case bus.SignalChatStarted:
			s.metrics.Inbound("chat_started")
			s.questions.Enqueue(msg)

		case bus.SignalChatStopped:
			s.metrics.Inbound("chat_stopped")
			s.responses.Enqueue(bus.Emit(bus.StopAck()))
			s.questions.Enqueue(msg)

		default:
			s.metrics.Inbound("content")
			logger.DebugCF("ingress", "Received message", map[string]any{
				"session_id": s.ID,
				"preview":    utils.Truncate(msg.Content, 80),
			})
			// the ack must be queued before processing can see the question
			s.responses.Enqueue(bus.Emit(bus.QuestionAck(msg.Content)))
			s.questions.Enqueue(msg)
		}
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
