package bus

// Signal is an in-band lifecycle command. The zero value marks an ordinary
// content message.
type Signal int

const (
	SignalNone Signal = iota
	SignalChatStarted
	SignalChatStopped
	SignalClientDisconnected
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalChatStarted:
		return "CHAT_STARTED"
	case SignalChatStopped:
		return "CHAT_STOPPED"
	case SignalClientDisconnected:
		return "CLIENT_DISCONNECTED"
	default:
		return "unknown"
	}
}

// IsControl reports whether s is one of the lifecycle commands.
func (s Signal) IsControl() bool {
	return s == SignalChatStarted || s == SignalChatStopped || s == SignalClientDisconnected
}

type Reporter string

const (
	ReporterInput  Reporter = "input_message"
	ReporterOutput Reporter = "output_message"
)

type EventType string

const (
	EventQuestion   EventType = "question"
	EventStart      EventType = "start_message"
	EventStop       EventType = "stop_message"
	EventAnswer     EventType = "answer"
	EventDisconnect EventType = "disconnect_message"
	EventError      EventType = "error_message"
)

// Event is the unit written back to the client.
type Event struct {
	Reporter Reporter  `json:"reporter"`
	Type     EventType `json:"type"`
	Message  string    `json:"message"`
	Links    []string  `json:"links,omitempty"`
}

// Inbound is an item of the question queue: either a control signal or
// free-form content, never both.
type Inbound struct {
	Signal  Signal `json:"signal,omitempty"`
	Content string `json:"content,omitempty"`
}

// Outbound is an item of the response queue: either an event to send or the
// disconnect signal telling egress to stop.
type Outbound struct {
	Signal Signal `json:"signal,omitempty"`
	Event  Event  `json:"event"`
}

func Control(s Signal) Inbound {
	return Inbound{Signal: s}
}

func Content(text string) Inbound {
	return Inbound{Content: text}
}

func (m Inbound) IsControl() bool {
	return m.Signal.IsControl()
}

func Emit(e Event) Outbound {
	return Outbound{Event: e}
}

// Disconnected is the response-queue sentinel. Egress stops on it without
// sending anything.
func Disconnected() Outbound {
	return Outbound{Signal: SignalClientDisconnected}
}

func (m Outbound) IsDisconnect() bool {
	return m.Signal == SignalClientDisconnected
}

func QuestionAck(text string) Event {
	return Event{Reporter: ReporterInput, Type: EventQuestion, Message: text}
}

func StopAck() Event {
	return Event{Reporter: ReporterInput, Type: EventStop, Message: SignalChatStopped.String()}
}

func Started() Event {
	return Event{Reporter: ReporterOutput, Type: EventStart}
}

func Stopped() Event {
	return Event{Reporter: ReporterOutput, Type: EventStop}
}

func Disconnect() Event {
	return Event{Reporter: ReporterOutput, Type: EventDisconnect}
}

// Answer never carries a nil link list.
func Answer(text string, links []string) Event {
	if links == nil {
		links = []string{}
	}
	return Event{Reporter: ReporterOutput, Type: EventAnswer, Message: text, Links: links}
}

func Failure(msg string) Event {
	return Event{Reporter: ReporterOutput, Type: EventError, Message: msg}
}
