package icbgw

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidSession is returned by NewRelay when a session is nil or speaks
// the wrong protocol for its slot.
var ErrInvalidSession = errors.New("invalid session")

// Relay runs an ICB session and an IRC session and forwards chat between
// them. It keeps no state of its own; each side reconnects independently and
// relaying resumes as soon as a side is ready again.
type Relay struct {
	icb    *Session
	irc    *Session
	logger Logger
}

// NewRelay pairs an ICB session with an IRC session. Only the logger is read
// from opt.
func NewRelay(icb, irc *Session, opt ...Option) (*Relay, error) {
	if icb == nil || icb.Origin() != OriginICB {
		return nil, errors.Wrap(ErrInvalidSession, "icb slot")
	}
	if irc == nil || irc.Origin() != OriginIRC {
		return nil, errors.Wrap(ErrInvalidSession, "irc slot")
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return &Relay{icb: icb, irc: irc, logger: opts.logger}, nil
}

// Run runs both sessions until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started",
		"icb", r.icb.Config().Addr(), "icb_channel", r.icb.Config().Channel,
		"irc", r.irc.Config().Addr(), "irc_channel", r.irc.Config().Channel)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return r.icb.Run(child, r)
	})

	group.Go(func() error {
		return r.irc.Run(child, r)
	})

	err := group.Wait()
	r.logger.Info("relay stopped")
	return err
}

// HandleMessage implements Handler. Send failures are logged and the message
// is dropped; they never reach the side the message came from.
func (r *Relay) HandleMessage(ctx context.Context, msg ChatMessage) {
	_ = r.Forward(ctx, msg)
}

// Forward translates msg and writes it to the opposite side. Every call
// produces its own outbound message; nothing is deduplicated or retried.
func (r *Relay) Forward(ctx context.Context, msg ChatMessage) error {
	var target *Session
	switch msg.Origin {
	case OriginICB:
		target = r.irc
	case OriginIRC:
		target = r.icb
	default:
		return errors.Errorf("unknown origin %d", msg.Origin)
	}

	direction := msg.Origin.String() + "_to_" + target.Name()
	if err := target.Send(ctx, Translate(msg)); err != nil {
		r.logger.Warn("message dropped",
			"direction", direction, "sender", msg.Sender, "error", err)
		recordDropped(direction)
		return err
	}

	r.logger.Info("message relayed",
		"direction", direction, "sender", msg.Sender, "body", msg.Body)
	recordRelayed(direction)
	return nil
}

// Translate renders msg as the text carried on the opposite side:
// "<sender> <body>" toward IRC and "<sender>: <body>" toward ICB.
func Translate(msg ChatMessage) string {
	switch msg.Origin {
	case OriginICB:
		return msg.Sender + " " + msg.Body
	case OriginIRC:
		return msg.Sender + ": " + msg.Body
	default:
		return msg.Body
	}
}

// Ready reports whether both sides are ready to relay.
func (r *Relay) Ready() bool {
	return r.icb.State() == StateReady && r.irc.State() == StateReady
}
