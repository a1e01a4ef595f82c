package netreactor

import (
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultPollTimeout = time.Millisecond
	defaultMaxEvents   = 128
	minTimerPrecision  = time.Millisecond
)

type runtimeOptions struct {
	logger      *logiface.Logger[logiface.Event]
	newPoller   func() (poller, error)
	name        string
	pollTimeout time.Duration
	maxEvents   int
}

type socketOptions struct {
	logger *logiface.Logger[logiface.Event]
	io     socketIO
}

type acceptorOptions struct {
	logger     *logiface.Logger[logiface.Event]
	accept     acceptFunc
	socketOpts []SocketOption
}

type timerOptions struct {
	logger    *logiface.Logger[logiface.Event]
	now       func() time.Time
	name      string
	precision time.Duration
}

// RuntimeOption configures a Runtime instance.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

// SocketOption configures a TCPSocket instance.
type SocketOption interface {
	applySocket(*socketOptions) error
}

// AcceptorOption configures a TCPAcceptor instance.
type AcceptorOption interface {
	applyAcceptor(*acceptorOptions) error
}

// TimerOption configures a Timer instance.
type TimerOption interface {
	applyTimer(*timerOptions) error
}

// Option is accepted by every constructor in this package.
type Option interface {
	RuntimeOption
	SocketOption
	AcceptorOption
	TimerOption
}

type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (x *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return x.applyRuntimeFunc(opts)
}

type socketOptionImpl struct {
	applySocketFunc func(*socketOptions) error
}

func (x *socketOptionImpl) applySocket(opts *socketOptions) error {
	return x.applySocketFunc(opts)
}

type acceptorOptionImpl struct {
	applyAcceptorFunc func(*acceptorOptions) error
}

func (x *acceptorOptionImpl) applyAcceptor(opts *acceptorOptions) error {
	return x.applyAcceptorFunc(opts)
}

type timerOptionImpl struct {
	applyTimerFunc func(*timerOptions) error
}

func (x *timerOptionImpl) applyTimer(opts *timerOptions) error {
	return x.applyTimerFunc(opts)
}

type loggerOption struct {
	logger *logiface.Logger[logiface.Event]
}

func (x loggerOption) applyRuntime(opts *runtimeOptions) error {
	opts.logger = x.logger
	return nil
}

func (x loggerOption) applySocket(opts *socketOptions) error {
	opts.logger = x.logger
	return nil
}

func (x loggerOption) applyAcceptor(opts *acceptorOptions) error {
	opts.logger = x.logger
	return nil
}

func (x loggerOption) applyTimer(opts *timerOptions) error {
	opts.logger = x.logger
	return nil
}

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return loggerOption{logger}
}

// WithRuntimeName names the runtime in logs and metric labels.
func WithRuntimeName(name string) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.name = name
		return nil
	}}
}

// WithPollTimeout bounds each readiness wait. Values below one millisecond
// are rounded up, since epoll has millisecond resolution.
func WithPollTimeout(timeout time.Duration) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.pollTimeout = max(timeout, time.Millisecond)
		return nil
	}}
}

// WithMaxEvents sets how many readiness events a single wait may return.
func WithMaxEvents(n int) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return &Error{Message: "netreactor: max events must be positive"}
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithSocketOptions sets the options used for every socket the acceptor
// creates.
func WithSocketOptions(options ...SocketOption) AcceptorOption {
	return &acceptorOptionImpl{func(opts *acceptorOptions) error {
		opts.socketOpts = append(opts.socketOpts, options...)
		return nil
	}}
}

// WithTimerPrecision sets the minimum wakeup granularity of the timer loop.
// Values below one millisecond are clamped.
func WithTimerPrecision(precision time.Duration) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		opts.precision = max(precision, minTimerPrecision)
		return nil
	}}
}

// WithTimerClock replaces the clock used to decide which entries are due.
func WithTimerClock(now func() time.Time) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		if now == nil {
			return &Error{Message: "netreactor: nil timer clock"}
		}
		opts.now = now
		return nil
	}}
}

// WithTimerName names the timer in logs and metric labels.
func WithTimerName(name string) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		opts.name = name
		return nil
	}}
}

func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		newPoller:   newPlatformPoller,
		name:        "default",
		pollTimeout: defaultPollTimeout,
		maxEvents:   defaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolveSocketOptions(opts []SocketOption) (*socketOptions, error) {
	cfg := &socketOptions{
		io: platformSocketIO,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySocket(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolveAcceptorOptions(opts []AcceptorOption) (*acceptorOptions, error) {
	cfg := &acceptorOptions{
		accept: platformAccept,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyAcceptor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolveTimerOptions(opts []TimerOption) (*timerOptions, error) {
	cfg := &timerOptions{
		now:       time.Now,
		name:      "default",
		precision: minTimerPrecision,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTimer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
