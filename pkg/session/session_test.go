package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minima/chatbridge/pkg/bus"
	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/protocol"
	"github.com/minima/chatbridge/pkg/queue"
)

type fakeTransport struct {
	inbound   chan string
	closed    chan struct{}
	sent      chan bus.Event
	acceptErr error
	recvErr   error
	sendErr   error

	mu        sync.Mutex
	closeOnce sync.Once
	frames    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan string, 16),
		closed:  make(chan struct{}),
		sent:    make(chan bus.Event, 64),
	}
}

func (f *fakeTransport) Accept(ctx context.Context) error {
	return f.acceptErr
}

func (f *fakeTransport) Receive(ctx context.Context) (string, error) {
	select {
	case frame, ok := <-f.inbound:
		if !ok {
			if f.recvErr != nil {
				return "", f.recvErr
			}
			return "", ErrDisconnected
		}
		return frame, nil
	case <-f.closed:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	ev, err := protocol.DecodeEvent([]byte(text))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, text)
	f.mu.Unlock()
	f.sent <- ev
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) disconnect() {
	close(f.inbound)
}

// waitFor collects sent events until one matches done.
func (f *fakeTransport) waitFor(t *testing.T, done func(bus.Event) bool) []bus.Event {
	t.Helper()
	var got []bus.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sent:
			got = append(got, ev)
			if done(ev) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event, got %+v", got)
		}
	}
}

func echoEngine(calls *[]engine.Query, mu *sync.Mutex) engine.Engine {
	return engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		mu.Lock()
		*calls = append(*calls, q)
		mu.Unlock()
		return engine.Succeeded("answer: "+q.Text, []string{"file:///b", "file:///a", "file:///b"})
	})
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
		return nil
	}
}

func isOutputStop(ev bus.Event) bool {
	return ev.Reporter == bus.ReporterOutput && ev.Type == bus.EventStop
}

func indexOf(events []bus.Event, match func(bus.Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func TestEndToEndConversation(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []engine.Query
	)
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: echoEngine(&calls, &mu)})
	done := runSession(t, s)

	tr.inbound <- "CHAT_STARTED"
	tr.inbound <- "what is X?"
	tr.inbound <- "CHAT_STOPPED"

	events := tr.waitFor(t, isOutputStop)
	tr.disconnect()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(events), events)
	}

	start := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventStart })
	question := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventQuestion })
	answer := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventAnswer })
	stopIn := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventStop && e.Reporter == bus.ReporterInput })
	stopOut := indexOf(events, isOutputStop)

	if start < 0 || events[start].Reporter != bus.ReporterOutput {
		t.Fatalf("missing output start_message: %+v", events)
	}
	if question < 0 || events[question].Message != "what is X?" || events[question].Reporter != bus.ReporterInput {
		t.Fatalf("missing question ack: %+v", events)
	}
	if answer < question {
		t.Fatalf("answer before its question ack: %+v", events)
	}
	if events[answer].Message != "answer: what is X?" {
		t.Fatalf("answer = %q", events[answer].Message)
	}
	if len(events[answer].Links) != 2 || events[answer].Links[0] != "file:///b" {
		t.Fatalf("links not normalized: %v", events[answer].Links)
	}
	if stopIn < 0 || stopIn > stopOut {
		t.Fatalf("input stop must precede output stop: %+v", events)
	}
	if events[stopIn].Message != "CHAT_STOPPED" {
		t.Fatalf("stop ack message = %q", events[stopIn].Message)
	}

	// processing still reports the disconnect; it lands behind the sentinel
	// egress already stopped on
	if s.responses.Size() != 1 {
		t.Fatalf("expected the disconnect event left in the response queue, size=%d", s.responses.Size())
	}
	last, err := s.responses.Dequeue(context.Background())
	if err != nil || last.Event.Type != bus.EventDisconnect || last.Event.Reporter != bus.ReporterOutput {
		t.Fatalf("unexpected trailing item %+v (%v)", last, err)
	}

	if len(calls) != 1 || calls[0].SessionID != "s1" {
		t.Fatalf("engine calls = %+v", calls)
	}
}

func TestStartProducesSingleEvent(t *testing.T) {
	tr := newFakeTransport()
	s := New("", tr, Options{Engine: engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		return engine.Succeeded("x", nil)
	})})
	if s.ID == "" {
		t.Fatalf("session id should be generated")
	}
	done := runSession(t, s)

	tr.inbound <- "CHAT_STARTED"
	tr.inbound <- "CHAT_STOPPED"
	events := tr.waitFor(t, isOutputStop)
	tr.disconnect()
	waitRun(t, done)

	if len(events) != 3 {
		t.Fatalf("expected start(output), stop(input), stop(output); got %+v", events)
	}
	starts := 0
	for _, ev := range events {
		if ev.Type == bus.EventStart {
			starts++
			if ev.Reporter != bus.ReporterOutput {
				t.Fatalf("start must only be acknowledged by processing")
			}
		}
	}
	if starts != 1 {
		t.Fatalf("start events = %d, want 1", starts)
	}
}

func TestAckPrecedesAnswerForEachMessage(t *testing.T) {
	release := make(chan struct{})
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		<-release
		return engine.Succeeded("re: "+q.Text, nil)
	})})
	done := runSession(t, s)

	tr.inbound <- "one"
	tr.inbound <- "two"
	acks := tr.waitFor(t, func(e bus.Event) bool { return e.Message == "two" })
	close(release)
	rest := tr.waitFor(t, func(e bus.Event) bool { return e.Message == "re: two" })
	tr.disconnect()
	waitRun(t, done)

	events := append(acks, rest...)
	for _, q := range []string{"one", "two"} {
		ack := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventQuestion && e.Message == q })
		ans := indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventAnswer && e.Message == "re: "+q })
		if ack < 0 || ans < 0 || ack > ans {
			t.Fatalf("ack/answer order broken for %q: %+v", q, events)
		}
	}
	if indexOf(events, func(e bus.Event) bool { return e.Message == "re: one" }) > indexOf(events, func(e bus.Event) bool { return e.Message == "re: two" }) {
		t.Fatalf("answers must keep processing order")
	}
}

func TestEngineFailureEmitsErrorEvent(t *testing.T) {
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		return engine.Failure(errors.New("indexer unavailable"))
	})})
	done := runSession(t, s)

	tr.inbound <- "hello"
	events := tr.waitFor(t, func(e bus.Event) bool { return e.Type == bus.EventError })
	tr.disconnect()
	waitRun(t, done)

	last := events[len(events)-1]
	if last.Reporter != bus.ReporterOutput || last.Message != "indexer unavailable" || last.Links != nil {
		t.Fatalf("unexpected error event %+v", last)
	}
	if indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventAnswer }) >= 0 {
		t.Fatalf("failed result must not produce an answer")
	}
}

func TestEmptyContentIsAcknowledgedButNotAnswered(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []engine.Query
	)
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: echoEngine(&calls, &mu)})
	done := runSession(t, s)

	tr.inbound <- ""
	tr.inbound <- "\n"
	tr.inbound <- "multi\nline\r\nquestion"
	tr.inbound <- "CHAT_STOPPED"
	events := tr.waitFor(t, isOutputStop)
	tr.disconnect()
	waitRun(t, done)

	acks := 0
	for _, ev := range events {
		if ev.Type == bus.EventQuestion {
			acks++
		}
	}
	if acks != 3 {
		t.Fatalf("every content frame must be acknowledged, got %d acks", acks)
	}
	if len(calls) != 1 || calls[0].Text != "multilinequestion" {
		t.Fatalf("engine calls = %+v", calls)
	}
	if ev := events[indexOf(events, func(e bus.Event) bool { return e.Type == bus.EventQuestion })]; ev.Message != "" {
		t.Fatalf("first ack should carry the empty text, got %q", ev.Message)
	}
}

func TestLegacyTokensDisabledTreatsTokenAsContent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []engine.Query
	)
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: echoEngine(&calls, &mu), Decoder: protocol.NewDecoder(false)})
	done := runSession(t, s)

	tr.inbound <- "CHAT_STARTED"
	events := tr.waitFor(t, func(e bus.Event) bool { return e.Type == bus.EventAnswer })
	tr.disconnect()
	waitRun(t, done)

	if events[0].Type != bus.EventQuestion || events[0].Message != "CHAT_STARTED" {
		t.Fatalf("token text should be echoed as a question: %+v", events)
	}
}

func TestWireDisconnectTokenIsContent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []engine.Query
	)
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: echoEngine(&calls, &mu)})
	done := runSession(t, s)

	tr.inbound <- "CLIENT_DISCONNECTED"
	tr.waitFor(t, func(e bus.Event) bool { return e.Type == bus.EventAnswer })

	select {
	case err := <-done:
		t.Fatalf("session ended on a client-sent token: %v", err)
	default:
	}
	tr.disconnect()
	waitRun(t, done)
}

func TestSentinelTerminatesProcessingAndEgress(t *testing.T) {
	tr := newFakeTransport()
	closed := make(chan string, 1)
	s := New("s1", tr, Options{Engine: closingEngine{closed: closed}})

	errs := make(chan error, 2)
	go func() { errs <- s.processing(context.Background()) }()
	go func() { errs <- s.egress(context.Background()) }()

	s.injectDisconnect()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("stage returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stages did not stop on the disconnect signal")
		}
	}
	select {
	case id := <-closed:
		if id != "s1" {
			t.Fatalf("closed session %q", id)
		}
	default:
		t.Fatalf("engine memory should be released on disconnect")
	}
	if len(tr.sent) != 0 {
		t.Fatalf("egress must not send anything for the sentinel")
	}
}

type closingEngine struct {
	closed chan string
}

func (closingEngine) Invoke(ctx context.Context, q engine.Query) engine.Result {
	return engine.Succeeded("", nil)
}

func (c closingEngine) CloseSession(id string) {
	c.closed <- id
}

func TestAbortInterruptsBlockedStages(t *testing.T) {
	tr := newFakeTransport()
	s := New("s1", tr, Options{Engine: engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		return engine.Succeeded("", nil)
	})})
	done := runSession(t, s)

	s.Abort()

	err := waitRun(t, done)
	if !errors.Is(err, queue.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted to propagate, got %v", err)
	}
}

func TestEgressStopsSilentlyOnClosedTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = ErrDisconnected
	s := New("s1", tr, Options{})

	s.responses.Enqueue(bus.Emit(bus.Started()))
	if err := s.egress(context.Background()); err != nil {
		t.Fatalf("egress returned %v", err)
	}
}

func TestEgressReportsUnexpectedSendError(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("broken pipe")
	s := New("s1", tr, Options{})

	s.responses.Enqueue(bus.Emit(bus.Started()))
	if err := s.egress(context.Background()); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestAcceptFailureEndsSession(t *testing.T) {
	tr := newFakeTransport()
	tr.acceptErr = ErrDisconnected
	s := New("s1", tr, Options{Engine: engine.Func(func(ctx context.Context, q engine.Query) engine.Result {
		t.Errorf("engine must not be called")
		return engine.Result{}
	})})

	if err := waitRun(t, runSession(t, s)); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestReceiveErrorEndsSessionWithError(t *testing.T) {
	tr := newFakeTransport()
	tr.recvErr = errors.New("protocol violation")
	s := New("s1", tr, Options{})
	done := runSession(t, s)

	tr.disconnect()
	err := waitRun(t, done)
	if err == nil || err.Error() != "ingress: receive: protocol violation" {
		t.Fatalf("unexpected error %v", err)
	}
}
