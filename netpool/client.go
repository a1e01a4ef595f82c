package netpool

import (
	"context"
	"io"
	"net"
	"net/netip"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joeycumines/go-netreactor"
	"github.com/puzpuzpuz/xsync/v3"
)

// Client initiates TCP connections, spreading them over a pool of runtimes
// per its [Balance].
type Client struct {
	pool       *pool
	conns      *xsync.MapOf[*netreactor.TCPSocket, netip.AddrPort]
	dialed     *metrics.Counter
	dialErrors *metrics.Counter
	dialer     net.Dialer
}

// NewClient creates a Client. Call Start before dialing.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p, err := newPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:       p,
		conns:      xsync.NewMapOf[*netreactor.TCPSocket, netip.AddrPort](),
		dialed:     p.metrics.NewCounter(p.metricName("netpool_dialed_total")),
		dialErrors: p.metrics.NewCounter(p.metricName("netpool_dial_errors_total")),
	}, nil
}

// Start launches every runtime on its own goroutine.
func (c *Client) Start() error {
	return c.pool.start(context.Background())
}

// DialTCP connects to addr, blocking until connected or ctx is done, then
// registers the connection with one of the pool's runtimes.
func (c *Client) DialTCP(ctx context.Context, addr string) (*netreactor.TCPSocket, error) {
	if !c.pool.running() {
		return nil, ErrPoolNotRunning
	}

	fd, peer, err := dialTCP(ctx, &c.dialer, addr)
	if err != nil {
		c.dialErrors.Inc()
		return nil, err
	}

	sock, err := netreactor.NewTCPSocket(fd, peer, c.pool.socketOpts...)
	if err != nil {
		_ = closeFD(fd)
		c.dialErrors.Inc()
		return nil, err
	}

	rt := c.pool.pick()
	if err := rt.Register(sock); err != nil {
		_ = sock.Close()
		c.dialErrors.Inc()
		return nil, err
	}

	c.conns.Store(sock, peer)
	c.dialed.Inc()

	c.pool.logger.Debug().
		Str("pool", c.pool.name).
		Str("runtime", rt.Name()).
		Stringer("peer", peer).
		Log(`connected`)

	return sock, nil
}

// Conns returns every dialed connection that is still open.
func (c *Client) Conns() []*netreactor.TCPSocket {
	var conns []*netreactor.TCPSocket
	c.conns.Range(func(sock *netreactor.TCPSocket, _ netip.AddrPort) bool {
		if sock.IsClosed() {
			c.conns.Delete(sock)
		} else {
			conns = append(conns, sock)
		}
		return true
	})
	return conns
}

// Stop stops every runtime, closing every connection, and waits for them to
// exit. It returns the joined errors of any runtime that failed.
func (c *Client) Stop() error {
	c.pool.stop()
	err := c.pool.wait()
	c.conns.Clear()
	return err
}

// WritePrometheus writes the metrics of the client and all of its runtimes.
func (c *Client) WritePrometheus(w io.Writer) {
	c.pool.writePrometheus(w)
}
