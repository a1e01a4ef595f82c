package netreactor

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

// TCPSocket is a connected, non-blocking TCP descriptor with independent
// FIFO read and write task queues.
//
// Submissions may be made from any goroutine. Completions fire on the
// goroutine of the runtime the socket is registered with, in submission
// order per direction, exactly once each, and never from inside the
// submitting call. At most one completion per direction runs at a time.
type TCPSocket struct {
	desc   *Descriptor
	logger *logiface.Logger[logiface.Event]
	read   direction
	write  direction
	peer   netip.AddrPort
	closed atomic.Bool
}

// direction is one of the two task pipelines of a socket.
type direction struct {
	q  *queue.Queue
	op ioOp
	mu sync.Mutex
	// busy is set while a completion popped from q is running, guarded by mu
	busy bool
}

var _ SocketHandle = (*TCPSocket)(nil)

// NewTCPSocket takes ownership of fd, which must be a connected socket in
// non-blocking mode. The socket does nothing until it is registered with a
// [Runtime].
func NewTCPSocket(fd int, peer netip.AddrPort, opts ...SocketOption) (*TCPSocket, error) {
	cfg, err := resolveSocketOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TCPSocket{
		desc:   NewDescriptor(fd),
		logger: cfg.logger,
		read:   direction{q: queue.New(), op: ioOp{fn: cfg.io.read, name: "read"}},
		write:  direction{q: queue.New(), op: ioOp{fn: cfg.io.write, name: "write"}},
		peer:   peer,
	}, nil
}

// Descriptor implements [Handle].
func (s *TCPSocket) Descriptor() *Descriptor { return s.desc }

// Capability implements [Handle].
func (s *TCPSocket) Capability() Capability { return CapabilitySocket }

// Peer returns the remote address, fixed at construction.
func (s *TCPSocket) Peer() netip.AddrPort { return s.peer }

// IsClosed reports whether Close has been called.
func (s *TCPSocket) IsClosed() bool { return s.closed.Load() }

// Read fills buf completely before completing.
func (s *TCPSocket) Read(buf []byte, cb Completion) error {
	return s.submit(&s.read, buf, complete, cb)
}

// ReadSome completes as soon as at least one byte has been read into buf.
func (s *TCPSocket) ReadSome(buf []byte, cb Completion) error {
	return s.submit(&s.read, buf, opportunistic, cb)
}

// Write sends all of buf before completing.
func (s *TCPSocket) Write(buf []byte, cb Completion) error {
	return s.submit(&s.write, buf, complete, cb)
}

// WriteSome completes as soon as at least one byte of buf has been sent.
func (s *TCPSocket) WriteSome(buf []byte, cb Completion) error {
	return s.submit(&s.write, buf, opportunistic, cb)
}

// submit appends a task. If the queue was empty the first syscall attempt is
// made immediately; its outcome is delivered by the next drain.
func (s *TCPSocket) submit(d *direction, buf []byte, strat strategy, cb Completion) error {
	if cb == nil {
		return ErrNilCompletion
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed.Load() {
		return ErrSocketClosed
	}
	t := newTask(buf, strat, cb)
	if d.q.Length() == 0 {
		t.exec(s.desc.fd, d.op)
	}
	d.q.Add(t)
	return nil
}

// DrainRead implements [SocketHandle].
func (s *TCPSocket) DrainRead() {
	s.drain(&s.read)
}

// DrainWrite implements [SocketHandle].
func (s *TCPSocket) DrainWrite() {
	s.drain(&s.write)
}

func (s *TCPSocket) drain(d *direction) {
	d.mu.Lock()
	if d.busy || s.closed.Load() || d.q.Length() == 0 {
		d.mu.Unlock()
		return
	}
	t := d.q.Peek().(*task)
	t.exec(s.desc.fd, d.op)
	if !t.settled() {
		d.mu.Unlock()
		return
	}
	d.q.Remove()
	d.busy = true
	d.mu.Unlock()

	if t.err != nil {
		s.logger.Debug().
			Int("fd", s.desc.fd).
			Str("op", d.op.name).
			Int("transferred", t.off).
			Err(t.err).
			Log(`task failed`)
	}
	s.complete(t, t.err)

	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()

	// a Close that ran meanwhile left the rest of the queue to us
	if s.closed.Load() {
		s.fail(d)
	}
}

// Cancel discards every queued task in both directions without invoking
// their completions. A syscall already in flight runs to completion.
func (s *TCPSocket) Cancel() {
	s.read.mu.Lock()
	s.write.mu.Lock()
	s.read.q = queue.New()
	s.write.q = queue.New()
	s.write.mu.Unlock()
	s.read.mu.Unlock()
}

// Close deregisters and releases the descriptor, then fires [ErrSocketClosed]
// for every task still queued, reads first, each direction in FIFO order.
// Only the first call has any effect.
//
// If a completion of one direction is running when Close is called (Close
// may be called from that completion), the rest of that direction fails
// once the completion returns, on its goroutine, so Close may return first.
func (s *TCPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.desc.Deregister()

	// no syscall can be in flight once both locks are held, and none will
	// start after, since closed is set
	s.read.mu.Lock()
	s.write.mu.Lock()
	err := s.desc.Release()
	s.write.mu.Unlock()
	s.read.mu.Unlock()

	s.fail(&s.read)
	s.fail(&s.write)

	return err
}

// fail completes every queued task with [ErrSocketClosed], unless another
// completion of d is running, which then fails them itself.
func (s *TCPSocket) fail(d *direction) {
	d.mu.Lock()
	for !d.busy && d.q.Length() != 0 {
		t := d.q.Remove().(*task)
		d.busy = true
		d.mu.Unlock()
		s.complete(t, ErrSocketClosed)
		d.mu.Lock()
		d.busy = false
	}
	d.mu.Unlock()
}

// complete invokes the task's completion, with no locks held. A panicking
// completion is logged, and does not prevent other completions.
func (s *TCPSocket) complete(t *task, err error) {
	defer func() {
		if r := recover(); r != nil {
			recoverCallback(s.logger, "socket-completion", r)
		}
	}()
	t.cb(t.buf, t.off, err)
}
