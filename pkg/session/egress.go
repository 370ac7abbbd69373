package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/protocol"
)

func (s *Session) egress(ctx context.Context) error {
	for {
		out, err := s.responses.Dequeue(ctx)
		if err != nil {
			return err
		}
		if out.IsDisconnect() {
			return nil
		}

		frame, err := protocol.EncodeEvent(out.Event)
		if err != nil {
			logger.ErrorCF("egress", "Dropping unencodable event", map[string]any{
				"session_id": s.ID,
				"type":       string(out.Event.Type),
				"error":      err.Error(),
			})
			continue
		}

		if err := s.transport.Send(ctx, frame); err != nil {
			if errors.Is(err, ErrDisconnected) {
				return nil
			}
			return fmt.Errorf("send: %w", err)
		}
		s.metrics.EventSent(string(out.Event.Type))
	}
}
