package netpool

import (
	"runtime"

	"github.com/joeycumines/go-netreactor"
	"github.com/joeycumines/logiface"
)

// Balance selects the runtime each new connection is assigned to.
type Balance int

const (
	// RoundRobin assigns connections to each runtime in turn.
	RoundRobin Balance = iota
	// LeastLoad assigns connections to the runtime with the fewest
	// registered handles, ties going to the lowest index.
	LeastLoad
)

func (b Balance) String() string {
	switch b {
	case RoundRobin:
		return "round-robin"
	case LeastLoad:
		return "least-load"
	default:
		return "unknown"
	}
}

type poolOptions struct {
	logger      *logiface.Logger[logiface.Event]
	runtimeOpts []netreactor.RuntimeOption
	socketOpts  []netreactor.SocketOption
	name        string
	workers     int
	balance     Balance
}

// Option configures a [Server] or [Client].
type Option interface {
	applyOption(*poolOptions) error
}

type optionImpl struct {
	applyOptionFunc func(*poolOptions) error
}

func (x *optionImpl) applyOption(opts *poolOptions) error {
	return x.applyOptionFunc(opts)
}

// WithWorkers sets the number of runtimes, each running on its own
// goroutine. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *poolOptions) error {
		if n < 1 {
			return ErrInvalidWorkers
		}
		opts.workers = n
		return nil
	}}
}

// WithLogger sets the logger used by the pool, its runtimes, and every
// socket it creates.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName prefixes the names of the pool's runtimes, which label their
// logs and metrics.
func WithName(name string) Option {
	return &optionImpl{func(opts *poolOptions) error {
		opts.name = name
		return nil
	}}
}

// WithBalance sets how new connections are spread across runtimes.
func WithBalance(b Balance) Option {
	return &optionImpl{func(opts *poolOptions) error {
		switch b {
		case RoundRobin, LeastLoad:
			opts.balance = b
			return nil
		default:
			return ErrInvalidBalance
		}
	}}
}

// WithRuntimeOptions passes options through to every runtime.
func WithRuntimeOptions(options ...netreactor.RuntimeOption) Option {
	return &optionImpl{func(opts *poolOptions) error {
		opts.runtimeOpts = append(opts.runtimeOpts, options...)
		return nil
	}}
}

// WithSocketOptions passes options through to every socket.
func WithSocketOptions(options ...netreactor.SocketOption) Option {
	return &optionImpl{func(opts *poolOptions) error {
		opts.socketOpts = append(opts.socketOpts, options...)
		return nil
	}}
}

func resolveOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{
		name:    "netpool",
		workers: runtime.GOMAXPROCS(0),
		balance: RoundRobin,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
