package icbgw

import (
	"context"
	"iter"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeInProgress
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeInProgress:
		return "handshake"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session owns the connection to one chat server. It dials, logs in, joins
// the configured channel, hands decoded messages to a Handler and reconnects
// after any transport failure until its context is canceled.
type Session struct {
	cfg    SessionConfig
	codec  codec
	logger Logger
	opts   options

	state atomic.Int32

	// mu guards conn and serializes every write to it.
	mu   sync.Mutex
	conn net.Conn
}

// NewICBSession creates a session that speaks ICB.
func NewICBSession(cfg SessionConfig, opt ...Option) (*Session, error) {
	return newSession(cfg, OriginICB, opt)
}

// NewIRCSession creates a session that speaks IRC.
func NewIRCSession(cfg SessionConfig, opt ...Option) (*Session, error) {
	return newSession(cfg, OriginIRC, opt)
}

func newSession(cfg SessionConfig, origin Origin, opt []Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	opts.logger = withAttrs(opts.logger, "side", origin.String())

	var c codec
	if origin == OriginICB {
		c = newICBCodec(cfg, opts)
	} else {
		c = newIRCCodec(cfg, opts)
	}

	s := &Session{
		cfg:    cfg,
		codec:  c,
		logger: opts.logger,
		opts:   opts,
	}
	setSessionState(s.Name(), StateDisconnected)
	return s, nil
}

// Name returns "icb" or "irc".
func (s *Session) Name() string {
	return s.codec.origin().String()
}

// Origin returns the protocol this session speaks.
func (s *Session) Origin() Origin {
	return s.codec.origin()
}

// Config returns the session's configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.logger.Debug("session state", "from", old.String(), "to", st.String())
		setSessionState(s.Name(), st)
	}
}

// Run keeps the session connected until ctx is canceled, waiting the
// reconnect delay between attempts. Messages are delivered to h from the
// session's receive goroutine. Run always returns ctx.Err().
func (s *Session) Run(ctx context.Context, h Handler) error {
	for ctx.Err() == nil {
		err := s.runOnce(ctx, h)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			break
		}

		s.logger.Warn("disconnected, reconnecting",
			"addr", s.cfg.Addr(), "error", err, "delay", s.opts.reconnectDelay)
		recordReconnect(s.Name())

		timer := time.NewTimer(s.opts.reconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	s.logger.Info("session stopped", "addr", s.cfg.Addr())
	return ctx.Err()
}

// runOnce makes one connection attempt and serves it until it fails.
func (s *Session) runOnce(ctx context.Context, h Handler) error {
	logger := withAttrs(s.logger, "conn_id", uuid.NewString())
	addr := s.cfg.Addr()

	s.setState(StateConnecting)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Side: s.Name(), Op: "dial", Err: err}
	}
	logger.Info("connected", "addr", addr)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.release(conn)

	// A canceled context must unblock a pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.setState(StateHandshakeInProgress)
	for _, unit := range s.codec.handshake() {
		if err := s.write(unit); err != nil {
			return err
		}
	}
	s.setState(StateReady)
	logger.Info("handshake complete", "nickname", s.cfg.Nickname, "channel", s.cfg.Channel)

	group, child := errgroup.WithContext(ctx)
	context.AfterFunc(child, func() { _ = conn.Close() })

	group.Go(func() error {
		return s.receiveLoop(child, conn, h, logger)
	})

	group.Go(func() error {
		return s.keepaliveLoop(child, logger)
	})

	err = group.Wait()
	s.setState(StateFailed)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("connection closed with error", "addr", addr, "error", err)
	} else {
		logger.Info("connection closed", "addr", addr)
	}
	return err
}

// release detaches conn from the session and closes it.
func (s *Session) release(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// messages yields the units decoded from conn. Each connection gets a fresh
// sequence; nothing is carried over from an earlier connection.
func (s *Session) messages(conn net.Conn) iter.Seq2[decoded, error] {
	dec := s.codec.newDecoder(conn)
	return func(yield func(decoded, error) bool) {
		for {
			unit, err := dec.decode()
			if !yield(unit, err) {
				return
			}
			if err != nil && !isMalformed(err) {
				return
			}
		}
	}
}

// receiveLoop hands inbound messages to h until the connection fails.
func (s *Session) receiveLoop(ctx context.Context, conn net.Conn, h Handler, logger Logger) error {
	for unit, err := range s.messages(conn) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			if isMalformed(err) {
				logger.Warn("discarding inbound unit", "error", err)
				continue
			}
			return &TransportError{Side: s.Name(), Op: "read", Err: err}
		}

		if unit.reply != nil {
			if err := s.write(unit.reply); err != nil {
				return err
			}
		}

		if unit.relay {
			h.HandleMessage(ctx, unit.msg)
		}
	}
	return ctx.Err()
}

// keepaliveLoop pings the server on a fixed interval.
func (s *Session) keepaliveLoop(ctx context.Context, logger Logger) error {
	ticker := time.NewTicker(s.opts.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.write(s.codec.ping()); err != nil {
				logger.Warn("keepalive failed", "error", err)
				return err
			}
			logger.Info("keepalive sent")
			recordKeepalive(s.Name())
		}
	}
}

// Send writes text to the session's channel as a regular chat message.
// It returns ErrNotReady when the session is not connected, and a
// *TransportError when the write fails; the failure also tears the
// connection down so the session reconnects. Send is safe for concurrent use.
func (s *Session) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() != StateReady {
		return ErrNotReady
	}
	return s.write(s.codec.encodeText(text))
}

// write sends data on the current connection with a deadline. A failed write
// marks the session failed and closes the socket.
func (s *Session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotReady
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	if _, err := s.conn.Write(data); err != nil {
		s.logger.Debug("write error", "error", err)
		s.setState(StateFailed)
		_ = s.conn.Close()
		return &TransportError{Side: s.Name(), Op: "write", Err: err}
	}
	return nil
}

// SessionConfig describes one side of the gateway.
type SessionConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Nickname string `yaml:"nickname"`
	Channel  string `yaml:"channel"`
	// Group is the ICB login group; DefaultICBGroup when empty.
	Group string `yaml:"group,omitempty"`
	// LogID is the ICB login id; the nickname when empty.
	LogID string `yaml:"logid,omitempty"`
	// Realname is the IRC USER real name; DefaultRealname when empty.
	Realname string `yaml:"realname,omitempty"`
}

// Addr returns the host:port to dial.
func (c SessionConfig) Addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}
