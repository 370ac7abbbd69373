// Package protocol converts between websocket text frames and session items.
//
// Inbound frames are classified once, here, into control signals or content.
// Past this point control flow never depends on comparing user text.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minima/chatbridge/pkg/bus"
)

// Legacy plain-text control tokens sent by the browser client.
const (
	TokenChatStarted = "CHAT_STARTED"
	TokenChatStopped = "CHAT_STOPPED"
)

// Structured control frame values: {"control":"chat_started"}.
const (
	ControlChatStarted = "chat_started"
	ControlChatStopped = "chat_stopped"
)

type Decoder struct {
	// LegacyTokens enables recognition of bare CHAT_STARTED / CHAT_STOPPED
	// frames. When disabled those strings are ordinary content.
	LegacyTokens bool
}

func NewDecoder(legacyTokens bool) *Decoder {
	return &Decoder{LegacyTokens: legacyTokens}
}

type controlFrame struct {
	Control string `json:"control"`
}

// Decode classifies one inbound text frame. The disconnect signal is never
// produced from client input.
func (d *Decoder) Decode(frame string) bus.Inbound {
	if d.LegacyTokens {
		switch frame {
		case TokenChatStarted:
			return bus.Control(bus.SignalChatStarted)
		case TokenChatStopped:
			return bus.Control(bus.SignalChatStopped)
		}
	}

	if sig, ok := decodeControlFrame(frame); ok {
		return bus.Control(sig)
	}

	return bus.Content(frame)
}

func decodeControlFrame(frame string) (bus.Signal, bool) {
	trimmed := strings.TrimSpace(frame)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"control"`) {
		return bus.SignalNone, false
	}

	var cf controlFrame
	if err := json.Unmarshal([]byte(trimmed), &cf); err != nil {
		return bus.SignalNone, false
	}

	switch cf.Control {
	case ControlChatStarted:
		return bus.SignalChatStarted, true
	case ControlChatStopped:
		return bus.SignalChatStopped, true
	default:
		return bus.SignalNone, false
	}
}

// EncodeControl renders a structured control frame for clients.
func EncodeControl(sig bus.Signal) (string, error) {
	var v string
	switch sig {
	case bus.SignalChatStarted:
		v = ControlChatStarted
	case bus.SignalChatStopped:
		v = ControlChatStopped
	default:
		return "", fmt.Errorf("signal %s cannot be sent by a client", sig)
	}
	data, err := json.Marshal(controlFrame{Control: v})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// answerWire keeps "links" present even when empty.
type answerWire struct {
	Reporter bus.Reporter  `json:"reporter"`
	Type     bus.EventType `json:"type"`
	Message  string        `json:"message"`
	Links    []string      `json:"links"`
}

// EncodeEvent serializes a response event to its JSON text frame.
func EncodeEvent(ev bus.Event) (string, error) {
	var (
		data []byte
		err  error
	)
	if ev.Type == bus.EventAnswer {
		links := ev.Links
		if links == nil {
			links = []string{}
		}
		data, err = json.Marshal(answerWire{
			Reporter: ev.Reporter,
			Type:     ev.Type,
			Message:  ev.Message,
			Links:    links,
		})
	} else {
		data, err = json.Marshal(ev)
	}
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return string(data), nil
}

// DecodeEvent parses a JSON text frame produced by EncodeEvent.
func DecodeEvent(frame []byte) (bus.Event, error) {
	var ev bus.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return bus.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
