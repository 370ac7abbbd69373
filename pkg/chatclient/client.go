// Package chatclient is a terminal client for the chat websocket endpoint.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"

	"github.com/minima/chatbridge/pkg/bus"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/protocol"
)

const (
	stopCommand = "/stop"
	quitCommand = "/quit"
)

type Options struct {
	// Structured sends {"control":...} frames instead of the bare tokens.
	Structured  bool
	DialTimeout time.Duration
}

type Client struct {
	conn       *websocket.Conn
	structured bool
	writeMu    sync.Mutex
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := *websocket.DefaultDialer
	if opts.DialTimeout > 0 {
		dialer.HandshakeTimeout = opts.DialTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn, structured: opts.Structured}, nil
}

func (c *Client) Start() error {
	return c.control(bus.SignalChatStarted)
}

func (c *Client) Stop() error {
	return c.control(bus.SignalChatStopped)
}

func (c *Client) Ask(text string) error {
	return c.write(text)
}

func (c *Client) control(sig bus.Signal) error {
	if !c.structured {
		return c.write(sig.String())
	}
	frame, err := protocol.EncodeControl(sig)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Next blocks for the next event from the server.
func (c *Client) Next() (bus.Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return bus.Event{}, err
	}
	return protocol.DecodeEvent(data)
}

// Close sends a normal close frame and drops the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Format renders an event for the terminal. Echoes of the user's own input
// render as an empty string.
func Format(ev bus.Event) string {
	switch ev.Type {
	case bus.EventStart:
		return "[chat started]"
	case bus.EventStop:
		if ev.Reporter == bus.ReporterOutput {
			return "[chat stopped]"
		}
		return ""
	case bus.EventQuestion:
		return ""
	case bus.EventAnswer:
		var b strings.Builder
		b.WriteString(ev.Message)
		if len(ev.Links) > 0 {
			b.WriteString("\n\nRelated documents:")
			for _, l := range ev.Links {
				b.WriteString("\n  - ")
				b.WriteString(l)
			}
		}
		return b.String()
	case bus.EventError:
		return "error: " + ev.Message
	case bus.EventDisconnect:
		return "[disconnected]"
	default:
		return fmt.Sprintf("[%s] %s", ev.Type, ev.Message)
	}
}

// LineReader is satisfied by *readline.Instance. Close must unblock a
// pending Readline.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Converse starts the chat, forwards every line read from lines and prints
// server events to out until lines ends, ctx is done or the server goes
// away. It closes lines before returning.
func Converse(ctx context.Context, c *Client, lines LineReader, out io.Writer) error {
	closeLines := sync.OnceFunc(func() { _ = lines.Close() })
	defer closeLines()

	if err := c.Start(); err != nil {
		_ = c.Close()
		return fmt.Errorf("start chat: %w", err)
	}

	var (
		leaving   atomic.Bool
		interrupt atomic.Bool
		readErr   error
	)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			ev, err := c.Next()
			if err != nil {
				readErr = err
				if !leaving.Load() {
					fmt.Fprintln(out, "[connection closed]")
				}
				return
			}
			if s := Format(ev); s != "" {
				fmt.Fprintln(out, s)
			}
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		select {
		case <-readDone:
		case <-ctx.Done():
		case <-pumpDone:
			return
		}
		interrupt.Store(true)
		closeLines()
	}()

	inputErr := pump(c, lines)
	close(pumpDone)
	leaving.Store(true)
	_ = c.Close()
	<-readDone

	if inputErr != nil && !interrupt.Load() {
		return inputErr
	}
	if readErr != nil && !isClosed(readErr) {
		logger.DebugCF("chat", "Read loop ended", map[string]any{"error": readErr.Error()})
	}
	return nil
}

func pump(c *Client, lines LineReader) error {
	for {
		line, err := lines.Readline()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case quitCommand:
			return nil
		case stopCommand:
			err = c.Stop()
		default:
			err = c.Ask(line)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

// Run dials url and chats interactively on the terminal.
func Run(ctx context.Context, url string, opts Options) error {
	c, err := Dial(ctx, url, opts)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("init terminal: %w", err)
	}

	fmt.Fprintf(rl.Stdout(), "Connected to %s. Type %s to end the chat, %s or Ctrl-D to leave.\n", url, stopCommand, quitCommand)
	return Converse(ctx, c, rl, rl.Stdout())
}
