package icbgw

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// IRC verbs the gateway speaks or recognizes.
const (
	VerbNick    = "NICK"
	VerbUser    = "USER"
	VerbJoin    = "JOIN"
	VerbPrivmsg = "PRIVMSG"
	VerbPing    = "PING"
	VerbPong    = "PONG"
	VerbError   = "ERROR"
	// VerbUnknown marks input that has no verb at all.
	VerbUnknown = "UNKNOWN"

	// DefaultMaxLineLength caps a single inbound line, CRLF included.
	DefaultMaxLineLength = 8192
	// DefaultRealname is sent in the USER line when none is configured.
	DefaultRealname = "ICB to IRC Gateway"
)

// Command is one parsed IRC line.
type Command struct {
	Prefix string
	Verb   string
	Params []string
}

// ParseLine parses a single line, with or without its CRLF terminator.
// Lines with no verb come back with VerbUnknown. A PRIVMSG that lacks a
// source prefix, a target or text is reported as ErrMalformedLine.
func ParseLine(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	// IRCv3 message tags are not used by the gateway.
	if strings.HasPrefix(line, "@") {
		_, rest, _ := strings.Cut(line, " ")
		line = rest
	}

	var cmd Command
	line = strings.TrimLeft(line, " ")
	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return Command{Prefix: prefix, Verb: VerbUnknown}, nil
		}
		cmd.Prefix = prefix
		line = rest
	}

	line = strings.TrimLeft(line, " ")
	if line == "" {
		cmd.Verb = VerbUnknown
		return cmd, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	cmd.Verb = strings.ToUpper(verb)

	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			cmd.Params = append(cmd.Params, rest[1:])
			break
		}
		var param string
		param, rest, _ = strings.Cut(rest, " ")
		cmd.Params = append(cmd.Params, param)
	}

	if cmd.Verb == VerbPrivmsg && (cmd.Prefix == "" || len(cmd.Params) < 2) {
		return cmd, errors.Wrapf(ErrMalformedLine, "privmsg %q", line)
	}
	return cmd, nil
}

// Sender returns the nickname part of the prefix, or the whole prefix when it
// names a server.
func (c Command) Sender() string {
	nick, _, _ := strings.Cut(c.Prefix, "!")
	return nick
}

// Target returns the first parameter, the channel or nick of a PRIVMSG.
func (c Command) Target() string {
	if len(c.Params) == 0 {
		return ""
	}
	return c.Params[0]
}

// Body returns the final parameter, the text of a PRIVMSG.
func (c Command) Body() string {
	if len(c.Params) < 2 {
		return ""
	}
	return c.Params[len(c.Params)-1]
}

// Token returns the token a PING asks to be echoed back.
func (c Command) Token() string {
	if len(c.Params) == 0 {
		return ""
	}
	return c.Params[len(c.Params)-1]
}

// FormatLine renders verb and params as a wire line. The final parameter is
// always sent as a trailing parameter so it may contain spaces.
func FormatLine(verb string, params ...string) string {
	var b strings.Builder
	b.WriteString(verb)
	for i, p := range params {
		b.WriteByte(' ')
		if i == len(params)-1 {
			b.WriteByte(':')
		}
		b.WriteString(stripLineControls(p))
	}
	b.WriteString("\r\n")
	return b.String()
}

var lineControls = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ", "\x00", " ")

func stripLineControls(s string) string {
	if strings.ContainsAny(s, "\r\n\x00") {
		return lineControls.Replace(s)
	}
	return s
}

// ircCodec binds the line codec to an IRC session.
type ircCodec struct {
	cfg           SessionConfig
	maxLineLength int
	logger        Logger
}

func newIRCCodec(cfg SessionConfig, opts options) codec {
	return &ircCodec{
		cfg:           cfg,
		maxLineLength: opts.maxLineLength,
		logger:        opts.logger,
	}
}

func (c *ircCodec) origin() Origin { return OriginIRC }

func (c *ircCodec) handshake() [][]byte {
	realname := c.cfg.Realname
	if realname == "" {
		realname = DefaultRealname
	}
	return [][]byte{
		[]byte("NICK " + c.cfg.Nickname + "\r\n"),
		[]byte(FormatLine(VerbUser, c.cfg.Nickname, "0", "*", realname)),
		[]byte("JOIN " + c.cfg.Channel + "\r\n"),
	}
}

func (c *ircCodec) encodeText(text string) []byte {
	return []byte(FormatLine(VerbPrivmsg, c.cfg.Channel, text))
}

func (c *ircCodec) ping() []byte {
	return []byte(FormatLine(VerbPing, "ping"))
}

func (c *ircCodec) newDecoder(r io.Reader) decoder {
	return &ircDecoder{codec: c, r: bufio.NewReaderSize(r, c.maxLineLength)}
}

type ircDecoder struct {
	codec *ircCodec
	r     *bufio.Reader
}

func (d *ircDecoder) readLine() (string, error) {
	line, err := d.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = d.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errors.Wrapf(ErrMalformedLine, "line exceeds %d bytes", d.r.Size())
	}
	if err != nil {
		if len(line) > 0 && errors.Is(err, io.EOF) {
			return "", errors.Wrap(ErrMalformedLine, "stream closed mid-line")
		}
		return "", err
	}
	return strings.ToValidUTF8(string(line), "\uFFFD"), nil
}

func (d *ircDecoder) decode() (decoded, error) {
	line, err := d.readLine()
	if err != nil {
		return decoded{}, err
	}

	cmd, err := ParseLine(line)
	if err != nil {
		return decoded{}, err
	}

	switch cmd.Verb {
	case VerbPrivmsg:
		return decoded{
			relay: true,
			msg:   ChatMessage{Origin: OriginIRC, Sender: cmd.Sender(), Body: cmd.Body()},
		}, nil
	case VerbPing:
		return decoded{reply: []byte(FormatLine(VerbPong, cmd.Token()))}, nil
	case VerbError:
		d.codec.logger.Warn("irc server error", "message", cmd.Token())
	}
	return decoded{}, nil
}
