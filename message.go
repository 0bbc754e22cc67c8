// Package icbgw relays chat between one ICB group and one IRC channel.
// Each side runs as a Session that owns its socket, logs in, reconnects on
// failure and hands decoded messages to a Relay, which translates them and
// writes them to the opposite Session.
package icbgw

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Errors reported by the codecs and sessions.
var (
	// ErrMalformedFrame is returned for an ICB packet that cannot be decoded.
	// The packet is skipped; the session stays up.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedLine is returned for an IRC line that cannot be decoded.
	ErrMalformedLine = errors.New("malformed line")
	// ErrOversizePayload is logged when an outbound frame is truncated. It is
	// never returned to callers.
	ErrOversizePayload = errors.New("payload exceeds frame limit")
	// ErrNotReady is returned by Send while the session has no usable connection.
	ErrNotReady = errors.New("session not ready")
)

// TransportError is a socket-level failure on one side of the gateway.
// It always leads to that side reconnecting.
type TransportError struct {
	Side string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return e.Side + " " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrMalformedLine)
}

// Origin names the protocol a message arrived on.
type Origin int

const (
	OriginICB Origin = iota + 1
	OriginIRC
)

func (o Origin) String() string {
	switch o {
	case OriginICB:
		return "icb"
	case OriginIRC:
		return "irc"
	default:
		return "unknown"
	}
}

// ChatMessage is a protocol-neutral chat line.
type ChatMessage struct {
	Origin Origin
	Sender string
	Body   string
}

// Handler receives the chat messages a Session decodes, in wire order.
type Handler interface {
	HandleMessage(ctx context.Context, msg ChatMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg ChatMessage)

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx context.Context, msg ChatMessage) {
	f(ctx, msg)
}

// codec is what a Session needs from a wire protocol.
type codec interface {
	origin() Origin
	// handshake returns the units written, in order, right after dialing.
	handshake() [][]byte
	// newDecoder returns a decoder for one connection.
	newDecoder(r io.Reader) decoder
	// encodeText renders relayed text as a channel message.
	encodeText(text string) []byte
	ping() []byte
}

type decoder interface {
	decode() (decoded, error)
}

// decoded is one inbound unit. msg is handed to the Handler when relay is
// set; reply, if any, is written back on the same connection.
type decoded struct {
	msg   ChatMessage
	relay bool
	reply []byte
}
