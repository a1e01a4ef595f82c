package netreactor

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

type acceptFunc func(fd int) (int, netip.AddrPort, error)

// acceptBackoff is how long a listener stays disarmed after accept failed
// for lack of descriptors or memory.
const acceptBackoff = 50 * time.Millisecond

// TCPAcceptor is a listening, non-blocking TCP descriptor. Each accepted
// connection becomes a [TCPSocket], registered with the acceptor's own
// runtime, then handed to the accept callback.
type TCPAcceptor struct {
	desc       *Descriptor
	logger     *logiface.Logger[logiface.Event]
	onAccept   func(*TCPSocket)
	accept     acceptFunc
	socketOpts []SocketOption
	closed     atomic.Bool
}

var _ AcceptorHandle = (*TCPAcceptor)(nil)

// NewTCPAcceptor takes ownership of fd, which must be a listening socket in
// non-blocking mode. onAccept runs on the runtime goroutine.
func NewTCPAcceptor(fd int, onAccept func(*TCPSocket), opts ...AcceptorOption) (*TCPAcceptor, error) {
	if onAccept == nil {
		return nil, &Error{Message: "netreactor: nil accept callback"}
	}
	cfg, err := resolveAcceptorOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TCPAcceptor{
		desc:       NewDescriptor(fd),
		logger:     cfg.logger,
		onAccept:   onAccept,
		accept:     cfg.accept,
		socketOpts: append([]SocketOption{WithLogger(cfg.logger)}, cfg.socketOpts...),
	}, nil
}

// Descriptor implements [Handle].
func (a *TCPAcceptor) Descriptor() *Descriptor { return a.desc }

// Capability implements [Handle].
func (a *TCPAcceptor) Capability() Capability { return CapabilityAcceptor }

// Close deregisters and releases the listening descriptor.
func (a *TCPAcceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.desc.Close()
}

// AcceptPending implements [AcceptorHandle]. It accepts until the listener
// would block. If accept fails for lack of descriptors or memory, the
// listener is disarmed for a short backoff, since the pending connection
// keeps it readable.
func (a *TCPAcceptor) AcceptPending() {
	for !a.closed.Load() {
		fd, peer, err := a.accept(a.desc.fd)
		if err != nil {
			if isAcceptRetryable(err) {
				continue
			}
			if sysErr := newSystemError("accept4", err); sysErr != nil {
				limitedErr(a.logger, "accept").
					Int("fd", a.desc.fd).
					Err(sysErr).
					Log(`accept failed`)
			}
			if isAcceptExhausted(err) {
				if rt := a.desc.Runtime(); rt != nil {
					rt.pause(a, acceptBackoff)
				}
			}
			return
		}

		sock, err := NewTCPSocket(fd, peer, a.socketOpts...)
		if err != nil {
			_ = closeFD(fd)
			limitedErr(a.logger, "accept").
				Err(err).
				Log(`failed to create socket`)
			continue
		}

		rt := a.desc.Runtime()
		if rt == nil {
			// deregistered while accepting
			_ = sock.Close()
			return
		}
		if err := rt.Register(sock); err != nil {
			_ = sock.Close()
			limitedErr(a.logger, "accept").
				Stringer("peer", peer).
				Err(err).
				Log(`failed to register accepted socket`)
			continue
		}

		a.logger.Debug().
			Int("fd", fd).
			Stringer("peer", peer).
			Log(`accepted connection`)

		a.onAccept(sock)
	}
}
