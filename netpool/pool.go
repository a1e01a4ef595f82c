package netpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joeycumines/go-netreactor"
	"github.com/joeycumines/logiface"
)

const (
	poolIdle uint32 = iota
	poolRunning
	poolStopped
)

// pool is a fixed set of runtimes, each run on its own goroutine, shared by
// Server and Client.
type pool struct {
	logger     *logiface.Logger[logiface.Event]
	metrics    *metrics.Set
	runtimes   []*netreactor.Runtime
	socketOpts []netreactor.SocketOption
	errs       []error
	done       chan struct{}
	name       string
	errMu      sync.Mutex
	next       atomic.Uint64
	state      atomic.Uint32
	balance    Balance
}

func newPool(cfg *poolOptions) (*pool, error) {
	p := &pool{
		logger:     cfg.logger,
		metrics:    metrics.NewSet(),
		socketOpts: append([]netreactor.SocketOption{netreactor.WithLogger(cfg.logger)}, cfg.socketOpts...),
		done:       make(chan struct{}),
		name:       cfg.name,
		balance:    cfg.balance,
	}
	for i := 0; i < cfg.workers; i++ {
		rt, err := netreactor.New(append([]netreactor.RuntimeOption{
			netreactor.WithLogger(cfg.logger),
			netreactor.WithRuntimeName(fmt.Sprintf("%s-%d", cfg.name, i)),
		}, cfg.runtimeOpts...)...)
		if err != nil {
			for _, rt := range p.runtimes {
				_ = rt.Close()
			}
			return nil, err
		}
		p.runtimes = append(p.runtimes, rt)
	}
	p.metrics.NewGauge(p.metricName("netpool_workers"), func() float64 {
		return float64(len(p.runtimes))
	})
	p.metrics.NewGauge(p.metricName("netpool_handles"), func() float64 {
		return float64(p.load())
	})
	return p, nil
}

func (p *pool) metricName(metric string) string {
	return fmt.Sprintf(`%s{pool=%q}`, metric, p.name)
}

// start runs every runtime on its own goroutine.
func (p *pool) start(ctx context.Context) error {
	if !p.state.CompareAndSwap(poolIdle, poolRunning) {
		if p.state.Load() == poolRunning {
			return ErrPoolRunning
		}
		return ErrPoolStopped
	}

	var wg sync.WaitGroup
	for _, rt := range p.runtimes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					p.logger.Err().
						Str("pool", p.name).
						Str("runtime", rt.Name()).
						Err(err).
						Log(`runtime failed`)
				}
				p.errMu.Lock()
				p.errs = append(p.errs, fmt.Errorf("%s: %w", rt.Name(), err))
				p.errMu.Unlock()
			}
			// one failed runtime takes the pool down with it
			p.stop()
		}()
	}

	go func() {
		wg.Wait()
		p.state.Store(poolStopped)
		close(p.done)
	}()

	p.logger.Info().
		Str("pool", p.name).
		Int("workers", len(p.runtimes)).
		Log(`pool started`)

	return nil
}

// stop stops every runtime without waiting. A pool that was never started
// is torn down immediately.
func (p *pool) stop() {
	if p.state.CompareAndSwap(poolIdle, poolStopped) {
		for _, rt := range p.runtimes {
			_ = rt.Close()
		}
		close(p.done)
		return
	}
	for _, rt := range p.runtimes {
		rt.Stop()
	}
}

// wait blocks until every runtime has terminated, returning their errors.
func (p *pool) wait() error {
	<-p.done
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

func (p *pool) running() bool {
	return p.state.Load() == poolRunning
}

// pick selects the runtime for a new connection.
func (p *pool) pick() *netreactor.Runtime {
	if len(p.runtimes) == 1 {
		return p.runtimes[0]
	}
	switch p.balance {
	case LeastLoad:
		best, bestLoad := 0, p.runtimes[0].CurrentLoad()
		for i := 1; i < len(p.runtimes); i++ {
			if load := p.runtimes[i].CurrentLoad(); load < bestLoad {
				best, bestLoad = i, load
			}
		}
		return p.runtimes[best]
	default:
		return p.runtimes[(p.next.Add(1)-1)%uint64(len(p.runtimes))]
	}
}

// load is the total number of handles across every runtime.
func (p *pool) load() (n int) {
	for _, rt := range p.runtimes {
		n += rt.CurrentLoad()
	}
	return n
}

// writePrometheus writes the pool's metrics, then each runtime's.
func (p *pool) writePrometheus(w io.Writer) {
	p.metrics.WritePrometheus(w)
	for _, rt := range p.runtimes {
		rt.WritePrometheus(w)
	}
}
