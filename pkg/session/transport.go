package session

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by a Transport once the peer has gone away.
// It ends the owning session and is never treated as a failure.
var ErrDisconnected = errors.New("session: transport disconnected")

// Transport is one client's duplex text connection. Receive is only called
// by ingress and Send only by egress, so implementations need not make
// either safe for concurrent use with itself.
type Transport interface {
	Accept(ctx context.Context) error
	Receive(ctx context.Context) (string, error)
	Send(ctx context.Context, text string) error
}
