package aio

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// ContextOption configures a Context.
type ContextOption interface {
	applyContext(*contextOptions) error
}

// PollOption configures a Poll.
type PollOption interface {
	applyPoll(*pollOptions) error
}

// LoopOption configures a Loop.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// TimerOption configures a TimerQueue.
type TimerOption interface {
	applyTimer(*timerOptions) error
}

// Option is accepted by every constructor in this package.
type Option interface {
	ContextOption
	PollOption
	LoopOption
	TimerOption
}

type contextOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type pollOptions struct {
	logger          *logiface.Logger[logiface.Event]
	eventBufferSize int
}

type loopOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type timerOptions struct {
	logger *logiface.Logger[logiface.Event]
	clock  Clock
}

type (
	contextOptionFunc func(*contextOptions) error
	pollOptionFunc    func(*pollOptions) error
	loopOptionFunc    func(*loopOptions) error
	timerOptionFunc   func(*timerOptions) error
)

func (f contextOptionFunc) applyContext(o *contextOptions) error { return f(o) }
func (f pollOptionFunc) applyPoll(o *pollOptions) error          { return f(o) }
func (f loopOptionFunc) applyLoop(o *loopOptions) error          { return f(o) }
func (f timerOptionFunc) applyTimer(o *timerOptions) error       { return f(o) }

type loggerOption struct {
	logger *logiface.Logger[logiface.Event]
}

func (o loggerOption) applyContext(c *contextOptions) error { c.logger = o.logger; return nil }
func (o loggerOption) applyPoll(c *pollOptions) error       { c.logger = o.logger; return nil }
func (o loggerOption) applyLoop(c *loopOptions) error       { c.logger = o.logger; return nil }
func (o loggerOption) applyTimer(c *timerOptions) error     { c.logger = o.logger; return nil }

// WithLogger configures structured logging. A nil logger disables logging,
// which is also the default; every log site in this package tolerates a nil
// logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return loggerOption{logger: logger}
}

const defaultEventBufferSize = 256

// WithEventBufferSize sets the maximum number of OS events drained per
// poller wait. The default is 256.
func WithEventBufferSize(n int) PollOption {
	return pollOptionFunc(func(o *pollOptions) error {
		if n <= 0 {
			return errors.New("aio: event buffer size must be positive")
		}
		o.eventBufferSize = n
		return nil
	})
}

// WithClock overrides the time source used by a TimerQueue. Intended for
// tests that need deterministic control over timer expiry.
func WithClock(clock Clock) TimerOption {
	return timerOptionFunc(func(o *timerOptions) error {
		if clock == nil {
			return errors.New("aio: nil clock")
		}
		o.clock = clock
		return nil
	})
}

func resolveContextOptions(opts []ContextOption) (contextOptions, error) {
	var o contextOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyContext(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

func resolvePollOptions(opts []PollOption) (pollOptions, error) {
	o := pollOptions{eventBufferSize: defaultEventBufferSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPoll(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

func resolveLoopOptions(opts []LoopOption) (loopOptions, error) {
	var o loopOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

func resolveTimerOptions(opts []TimerOption) (timerOptions, error) {
	var o timerOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTimer(&o); err != nil {
			return o, err
		}
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}
	return o, nil
}
