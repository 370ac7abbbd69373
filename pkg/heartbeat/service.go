// Package heartbeat logs a periodic status line on a cron schedule.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/usage"
)

type Report struct {
	At             time.Time
	ActiveSessions int
	Today          usage.Aggregate
	Pruned         int
}

type Service struct {
	schedule      string
	sessions      func() int
	store         *usage.Store
	retentionDays int
	now           func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewService validates schedule, a five-field cron expression. sessions and
// store may be nil.
func NewService(schedule string, sessions func() int, store *usage.Store, retentionDays int) (*Service, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid heartbeat schedule %q", schedule)
	}
	return &Service{
		schedule:      schedule,
		sessions:      sessions,
		store:         store,
		retentionDays: retentionDays,
		now:           time.Now,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Service) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t, false)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("heartbeat already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	logger.InfoCF("heartbeat", "Heartbeat started", map[string]any{"schedule": s.schedule})
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next, err := s.Next(s.now())
		if err != nil {
			logger.ErrorCF("heartbeat", "Cannot compute next tick", map[string]any{"error": err.Error()})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Beat()
		}
	}
}

// Beat prunes expired usage records and logs the current status.
func (s *Service) Beat() Report {
	r := Report{At: s.now()}
	if s.sessions != nil {
		r.ActiveSessions = s.sessions()
	}

	if s.store != nil {
		pruned, err := s.store.Prune(s.retentionDays)
		if err != nil {
			logger.WarnCF("heartbeat", "Usage prune failed", map[string]any{"error": err.Error()})
		}
		r.Pruned = pruned
		r.Today = usage.AggregateRecords(s.store.Query(usage.Filter{DayKey: s.store.TodayKey()}))
	}

	logger.InfoCF("heartbeat", "Status", map[string]any{
		"sessions": r.ActiveSessions,
		"today":    usage.Summary(r.Today),
	})
	return r
}
