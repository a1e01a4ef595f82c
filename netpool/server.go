package netpool

import (
	"context"
	"io"
	"net/netip"
	"slices"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joeycumines/go-netreactor"
	"github.com/puzpuzpuz/xsync/v3"
)

// Server accepts TCP connections on a pool of runtimes. Each listening
// address gets one SO_REUSEPORT listener per runtime, and the kernel spreads
// incoming connections across them; an accepted socket stays on the runtime
// that accepted it.
type Server struct {
	pool      *pool
	endpoints *xsync.MapOf[netip.AddrPort, []*netreactor.TCPAcceptor]
	accepted  *metrics.Counter
	mu        sync.Mutex
}

// NewServer creates a Server. It listens on nothing until ListenTCP is
// called, and accepts nothing until Run.
func NewServer(opts ...Option) (*Server, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p, err := newPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		pool:      p,
		endpoints: xsync.NewMapOf[netip.AddrPort, []*netreactor.TCPAcceptor](),
		accepted:  p.metrics.NewCounter(p.metricName("netpool_accepted_total")),
	}, nil
}

// ListenTCP binds addr (host:port, port 0 picks one) and returns the bound
// address. onAccept is called on the accepting runtime's goroutine, with a
// socket already registered to it. Must be called before Run.
func (s *Server) ListenTCP(addr string, onAccept func(*netreactor.TCPSocket)) (netip.AddrPort, error) {
	if onAccept == nil {
		return netip.AddrPort{}, &netreactor.Error{Message: "netpool: nil accept callback"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool.state.Load() != poolIdle {
		return netip.AddrPort{}, ErrPoolRunning
	}

	accept := func(sock *netreactor.TCPSocket) {
		s.accepted.Inc()
		onAccept(sock)
	}

	var (
		bound     netip.AddrPort
		acceptors []*netreactor.TCPAcceptor
	)
	fail := func(err error) (netip.AddrPort, error) {
		for _, a := range acceptors {
			_ = a.Close()
		}
		return netip.AddrPort{}, err
	}

	for i, rt := range s.pool.runtimes {
		target := addr
		if i != 0 {
			// the port may have been chosen by the first bind
			target = bound.String()
		}

		fd, local, err := listenTCP(context.Background(), target)
		if err != nil {
			return fail(err)
		}
		if i == 0 {
			bound = local
		}

		acceptor, err := netreactor.NewTCPAcceptor(fd, accept,
			netreactor.WithLogger(s.pool.logger),
			netreactor.WithSocketOptions(s.pool.socketOpts...),
		)
		if err != nil {
			_ = closeFD(fd)
			return fail(err)
		}
		if err := rt.Register(acceptor); err != nil {
			_ = acceptor.Close()
			return fail(err)
		}
		acceptors = append(acceptors, acceptor)
	}

	s.endpoints.Store(bound, acceptors)

	s.pool.logger.Info().
		Str("pool", s.pool.name).
		Stringer("addr", bound).
		Int("listeners", len(acceptors)).
		Log(`listening`)

	return bound, nil
}

// Addrs returns every bound address, in order.
func (s *Server) Addrs() []netip.AddrPort {
	var addrs []netip.AddrPort
	s.endpoints.Range(func(addr netip.AddrPort, _ []*netreactor.TCPAcceptor) bool {
		addrs = append(addrs, addr)
		return true
	})
	slices.SortFunc(addrs, netip.AddrPort.Compare)
	return addrs
}

// Run runs every runtime until ctx is cancelled, Stop is called, or any
// runtime fails, and returns the joined errors of the runtimes. Every
// listener and connection is closed before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	err := s.pool.start(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	err = s.pool.wait()
	s.endpoints.Clear()
	return err
}

// Stop requests that every runtime exit. It does not wait, see [Server.Done].
func (s *Server) Stop() {
	s.pool.stop()
}

// Done is closed once every runtime has terminated.
func (s *Server) Done() <-chan struct{} {
	return s.pool.done
}

// Close stops the server and waits for it, releasing every listener even if
// Run was never called.
func (s *Server) Close() error {
	s.pool.stop()
	<-s.pool.done
	s.endpoints.Clear()
	return nil
}

// Load returns the number of handles (listeners and connections)
// registered across every runtime.
func (s *Server) Load() int {
	return s.pool.load()
}

// WritePrometheus writes the metrics of the server and all of its runtimes.
func (s *Server) WritePrometheus(w io.Writer) {
	s.pool.writePrometheus(w)
}
