package bus

import "testing"

func TestSignalClassification(t *testing.T) {
	tests := []struct {
		sig     Signal
		control bool
		name    string
	}{
		{SignalNone, false, "none"},
		{SignalChatStarted, true, "CHAT_STARTED"},
		{SignalChatStopped, true, "CHAT_STOPPED"},
		{SignalClientDisconnected, true, "CLIENT_DISCONNECTED"},
		{Signal(42), false, "unknown"},
	}

	for _, tc := range tests {
		if got := tc.sig.IsControl(); got != tc.control {
			t.Fatalf("%v.IsControl() = %v, want %v", tc.sig, got, tc.control)
		}
		if got := tc.sig.String(); got != tc.name {
			t.Fatalf("Signal(%d).String() = %q, want %q", int(tc.sig), got, tc.name)
		}
	}
}

func TestContentIsNeverControl(t *testing.T) {
	// literal token text wrapped as content stays content
	m := Content("CHAT_STARTED")
	if m.IsControl() {
		t.Fatal("content carrying token text must not be treated as control")
	}
	if !Control(SignalChatStopped).IsControl() {
		t.Fatal("Control() must produce a control item")
	}
}

func TestOutboundDisconnect(t *testing.T) {
	if !Disconnected().IsDisconnect() {
		t.Fatal("Disconnected() must be recognised as the disconnect sentinel")
	}
	if Emit(Disconnect()).IsDisconnect() {
		t.Fatal("a disconnect_message event is data, not the sentinel")
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		ev       Event
		reporter Reporter
		typ      EventType
	}{
		{QuestionAck("hi"), ReporterInput, EventQuestion},
		{StopAck(), ReporterInput, EventStop},
		{Started(), ReporterOutput, EventStart},
		{Stopped(), ReporterOutput, EventStop},
		{Disconnect(), ReporterOutput, EventDisconnect},
		{Answer("a", nil), ReporterOutput, EventAnswer},
		{Failure("boom"), ReporterOutput, EventError},
	}

	for _, tc := range tests {
		if tc.ev.Reporter != tc.reporter || tc.ev.Type != tc.typ {
			t.Fatalf("got %s/%s, want %s/%s", tc.ev.Reporter, tc.ev.Type, tc.reporter, tc.typ)
		}
	}

	if Answer("a", nil).Links == nil {
		t.Fatal("Answer must normalise nil links")
	}
	if StopAck().Message != "CHAT_STOPPED" {
		t.Fatalf("StopAck message = %q", StopAck().Message)
	}
}
