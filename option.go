package icbgw

import (
	"time"

	"github.com/pkg/errors"
)

// Default session tunables.
const (
	// DefaultReconnectDelay is the fixed wait between connection attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultKeepaliveInterval is how often a ready session pings its server.
	DefaultKeepaliveInterval = 60 * time.Second
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 30 * time.Second
)

// ErrInvalidFrameSize is returned when the outbound frame limit is out of range.
var ErrInvalidFrameSize = errors.New("invalid max frame size")

// options holds the configuration for a session or relay.
type options struct {
	logger Logger

	reconnectDelay time.Duration // wait between connection attempts
	keepalive      time.Duration // ping interval while ready
	writeTimeout   time.Duration // deadline for a single write

	maxFrameSize  int // outbound ICB payload limit
	maxReadSize   int // inbound ICB reassembly cap
	maxLineLength int // inbound IRC line cap
}

// Option is a function that configures session options.
type Option func(*options)

// checkOptions validates and sets default values for session options.
func checkOptions(opts *options) error {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.reconnectDelay <= 0 {
		opts.reconnectDelay = DefaultReconnectDelay
	}

	if opts.keepalive <= 0 {
		opts.keepalive = DefaultKeepaliveInterval
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = DefaultWriteTimeout
	}

	if opts.maxFrameSize == 0 {
		opts.maxFrameSize = DefaultMaxFrameSize
	}
	if opts.maxFrameSize < 2 || opts.maxFrameSize > MaxFrameSizeLimit {
		return errors.Wrapf(ErrInvalidFrameSize, "%d not in [2, %d]", opts.maxFrameSize, MaxFrameSizeLimit)
	}

	if opts.maxReadSize <= 0 {
		opts.maxReadSize = DefaultMaxReadSize
	}

	if opts.maxLineLength <= 0 {
		opts.maxLineLength = DefaultMaxLineLength
	}

	return nil
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ReconnectDelayOption sets the fixed wait between connection attempts.
func ReconnectDelayOption(d time.Duration) Option {
	return func(o *options) {
		o.reconnectDelay = d
	}
}

// KeepaliveOption sets the interval at which a ready session pings its server.
func KeepaliveOption(interval time.Duration) Option {
	return func(o *options) {
		o.keepalive = interval
	}
}

// WriteTimeoutOption sets the deadline applied to every socket write.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// MaxFrameSizeOption sets the outbound ICB payload limit. Longer payloads are
// truncated. Values between 2 and MaxFrameSizeLimit are accepted.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// MaxReadSizeOption caps the size of a reassembled inbound ICB packet.
func MaxReadSizeOption(size int) Option {
	return func(o *options) {
		o.maxReadSize = size
	}
}

// MaxLineLengthOption caps the length of an inbound IRC line.
func MaxLineLengthOption(size int) Option {
	return func(o *options) {
		o.maxLineLength = size
	}
}
