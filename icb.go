package icbgw

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// FrameType identifies an ICB packet. It is the first payload byte.
type FrameType byte

// ICB packet types.
const (
	FrameLogin         FrameType = 'a'
	FrameOpenMessage   FrameType = 'b'
	FramePersonal      FrameType = 'c'
	FrameStatus        FrameType = 'd'
	FrameError         FrameType = 'e'
	FrameImportant     FrameType = 'f'
	FrameExit          FrameType = 'g'
	FrameCommand       FrameType = 'h'
	FrameCommandOutput FrameType = 'i'
	FrameProtoInfo     FrameType = 'j'
	FrameBeep          FrameType = 'k'
	FramePing          FrameType = 'l'
	FramePong          FrameType = 'm'
)

// String returns the name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameLogin:
		return "login"
	case FrameOpenMessage:
		return "open"
	case FramePersonal:
		return "personal"
	case FrameStatus:
		return "status"
	case FrameError:
		return "error"
	case FrameImportant:
		return "important"
	case FrameExit:
		return "exit"
	case FrameCommand:
		return "command"
	case FrameCommandOutput:
		return "command_output"
	case FrameProtoInfo:
		return "proto"
	case FrameBeep:
		return "beep"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxFrameSize is the default outbound payload limit, counting the
	// type byte and the NUL terminator but not the length byte.
	DefaultMaxFrameSize = 254
	// MaxFrameSizeLimit is the largest outbound payload limit accepted.
	MaxFrameSizeLimit = 666
	// DefaultMaxReadSize caps a reassembled inbound payload.
	DefaultMaxReadSize = 64 * 1024

	continuationLength = 255
	fieldSeparator     = 0x01
	frameTerminator    = 0x00
)

// Frame is one decoded ICB packet.
type Frame struct {
	Type   FrameType
	Fields []string
}

// LoginFrame builds the login packet. The trailing empty field is the password.
func LoginFrame(logid, nickname, group, command string) Frame {
	return Frame{Type: FrameLogin, Fields: []string{logid, nickname, group, command, ""}}
}

// CommandFrame builds a command packet such as "g <group>".
func CommandFrame(cmd string, args ...string) Frame {
	return Frame{Type: FrameCommand, Fields: append([]string{cmd}, args...)}
}

// OpenMessageFrame builds an open (group) message carrying text.
func OpenMessageFrame(text string) Frame {
	return Frame{Type: FrameOpenMessage, Fields: []string{text}}
}

// ReadFrame reads one packet from r, reassembling continuation chunks.
//
// Errors reading the length byte are returned as-is so callers can treat them
// as transport failures. A stream that ends inside a packet yields
// ErrMalformedFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	return readFrame(r, DefaultMaxReadSize)
}

func readFrame(r io.Reader, maxRead int) (Frame, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Frame{}, err
	}

	var (
		payload  []byte
		oversize bool
	)

	// read appends size bytes to payload, or discards them once the payload
	// has grown past maxRead so the stream stays in sync.
	read := func(size int) error {
		start := len(payload)
		if oversize || start+size > maxRead {
			oversize = true
			_, err := io.CopyN(io.Discard, r, int64(size))
			return err
		}
		payload = append(payload, make([]byte, size)...)
		_, err := io.ReadFull(r, payload[start:])
		return err
	}

	for length[0] == 0 {
		if err := read(continuationLength); err != nil {
			return Frame{}, midFrame(err)
		}
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return Frame{}, midFrame(err)
		}
	}

	if err := read(int(length[0])); err != nil {
		return Frame{}, midFrame(err)
	}

	if oversize {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "payload exceeds %d bytes", maxRead)
	}

	return parsePayload(payload), nil
}

func midFrame(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrap(ErrMalformedFrame, "stream closed mid-frame")
	}
	return err
}

func parsePayload(payload []byte) Frame {
	f := Frame{Type: FrameType(payload[0])}

	rest := payload[1:]
	if n := len(rest); n > 0 && rest[n-1] == frameTerminator {
		rest = rest[:n-1]
	}
	if len(rest) == 0 {
		return f
	}

	for _, field := range strings.Split(string(rest), string(rune(fieldSeparator))) {
		f.Fields = append(f.Fields, strings.ToValidUTF8(field, "\uFFFD"))
	}
	return f
}

// EncodeFrame returns the wire form of f. Payloads longer than limit are cut
// to exactly limit bytes, keeping the NUL terminator; the second result
// reports whether that happened. Payloads longer than 255 bytes are written
// as continuation chunks.
func EncodeFrame(f Frame, limit int) ([]byte, bool) {
	if limit < 2 {
		limit = DefaultMaxFrameSize
	}

	payload := make([]byte, 0, 64)
	payload = append(payload, byte(f.Type))
	for i, field := range f.Fields {
		if i > 0 {
			payload = append(payload, fieldSeparator)
		}
		payload = append(payload, stripFrameControls(field)...)
	}
	payload = append(payload, frameTerminator)

	truncated := false
	if len(payload) > limit {
		payload = payload[:limit]
		payload[limit-1] = frameTerminator
		truncated = true
	}

	out := make([]byte, 0, len(payload)+len(payload)/continuationLength+1)
	for len(payload) > continuationLength {
		out = append(out, 0)
		out = append(out, payload[:continuationLength]...)
		payload = payload[continuationLength:]
	}
	out = append(out, byte(len(payload)))
	out = append(out, payload...)

	return out, truncated
}

// stripFrameControls drops bytes that would split a field or end the packet.
func stripFrameControls(s string) string {
	if strings.IndexByte(s, fieldSeparator) < 0 && strings.IndexByte(s, frameTerminator) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == fieldSeparator || r == frameTerminator {
			return -1
		}
		return r
	}, s)
}

// icbCodec binds the frame codec to an ICB session.
type icbCodec struct {
	cfg          SessionConfig
	maxFrameSize int
	maxReadSize  int
	logger       Logger
}

func newICBCodec(cfg SessionConfig, opts options) codec {
	return &icbCodec{
		cfg:          cfg,
		maxFrameSize: opts.maxFrameSize,
		maxReadSize:  opts.maxReadSize,
		logger:       opts.logger,
	}
}

func (c *icbCodec) origin() Origin { return OriginICB }

func (c *icbCodec) handshake() [][]byte {
	group := c.cfg.Group
	if group == "" {
		group = DefaultICBGroup
	}
	logid := c.cfg.LogID
	if logid == "" {
		logid = c.cfg.Nickname
	}
	return [][]byte{
		c.encode(LoginFrame(logid, c.cfg.Nickname, group, "login")),
		c.encode(CommandFrame("g", c.cfg.Channel)),
	}
}

func (c *icbCodec) encodeText(text string) []byte {
	return c.encode(OpenMessageFrame(text))
}

func (c *icbCodec) ping() []byte {
	return c.encode(Frame{Type: FramePing})
}

func (c *icbCodec) encode(f Frame) []byte {
	data, truncated := EncodeFrame(f, c.maxFrameSize)
	if truncated {
		c.logger.Warn("outbound frame truncated",
			"type", f.Type.String(), "limit", c.maxFrameSize, "error", ErrOversizePayload)
		recordTruncated()
	}
	return data
}

func (c *icbCodec) newDecoder(r io.Reader) decoder {
	return &icbDecoder{codec: c, r: bufio.NewReader(r)}
}

type icbDecoder struct {
	codec *icbCodec
	r     *bufio.Reader
}

func (d *icbDecoder) decode() (decoded, error) {
	f, err := readFrame(d.r, d.codec.maxReadSize)
	if err != nil {
		return decoded{}, err
	}

	switch f.Type {
	case FrameOpenMessage, FramePersonal:
		if len(f.Fields) < 2 {
			return decoded{}, errors.Wrapf(ErrMalformedFrame, "%s frame with %d fields", f.Type, len(f.Fields))
		}
		return decoded{
			relay: true,
			msg:   ChatMessage{Origin: OriginICB, Sender: f.Fields[0], Body: f.Fields[1]},
		}, nil
	case FramePing:
		return decoded{reply: d.codec.encode(Frame{Type: FramePong})}, nil
	case FrameError:
		d.codec.logger.Warn("icb server error", "fields", f.Fields)
	case FrameExit:
		d.codec.logger.Info("icb server requested exit")
	case FrameStatus:
		d.codec.logger.Debug("icb status", "fields", f.Fields)
	}
	return decoded{}, nil
}
