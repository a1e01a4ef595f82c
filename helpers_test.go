package netreactor

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// fakeConn is an in-memory stand-in for the socket syscalls. Reads and
// writes would-block when there is nothing to transfer.
type fakeConn struct {
	readErr    error
	writeErr   error
	in         []byte
	out        []byte
	readLimit  int
	writeLimit int
	reads      int
	writes     int
	mu         sync.Mutex
	eof        bool
}

func (c *fakeConn) io() socketIO {
	return socketIO{read: c.read, write: c.write}
}

func (c *fakeConn) read(_ int, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return -1, c.readErr
	}
	if len(c.in) == 0 {
		if c.eof {
			return 0, nil
		}
		return -1, syscall.EAGAIN
	}
	if c.readLimit > 0 && len(p) > c.readLimit {
		p = p[:c.readLimit]
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *fakeConn) write(_ int, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writeErr != nil {
		return -1, c.writeErr
	}
	if c.writeLimit < 0 {
		return -1, syscall.EAGAIN
	}
	if c.writeLimit > 0 && len(p) > c.writeLimit {
		p = p[:c.writeLimit]
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *fakeConn) feed(b []byte) {
	c.mu.Lock()
	c.in = append(c.in, b...)
	c.mu.Unlock()
}

func (c *fakeConn) setWriteLimit(n int) {
	c.mu.Lock()
	c.writeLimit = n
	c.mu.Unlock()
}

func (c *fakeConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out...)
}

func withSocketIO(io socketIO) SocketOption {
	return &socketOptionImpl{func(opts *socketOptions) error {
		opts.io = io
		return nil
	}}
}

// fakeCloser records descriptor releases, in place of the close syscall.
type fakeCloser struct {
	err   error
	calls atomic.Int32
}

func (c *fakeCloser) close(int) error {
	c.calls.Add(1)
	return c.err
}

// newFakeSocket builds a socket over conn, whose descriptor release is
// recorded by closer instead of closing fd.
func newFakeSocket(t *testing.T, fd int, conn *fakeConn, closer *fakeCloser) *TCPSocket {
	t.Helper()
	s, err := NewTCPSocket(fd, netip.MustParseAddrPort("127.0.0.1:9000"), withSocketIO(conn.io()))
	if err != nil {
		t.Fatal(err)
	}
	if closer == nil {
		closer = new(fakeCloser)
	}
	s.desc = newDescriptor(fd, closer.close)
	return s
}

// fakePoller is a scripted readiness multiplexer.
type fakePoller struct {
	waitErr error
	armed   map[int]uint32
	pending []pollEvent
	deleted []int
	mu      sync.Mutex
	closed  atomic.Int32
	waits   atomic.Int64
}

func newFakePoller() *fakePoller {
	return &fakePoller{armed: make(map[int]uint32)}
}

func (p *fakePoller) Add(fd int, token uint32, _ Capability) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed[fd] = token
	return nil
}

func (p *fakePoller) Delete(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.armed, fd)
	p.deleted = append(p.deleted, fd)
	return nil
}

func (p *fakePoller) Wait(events []pollEvent, timeout time.Duration) (int, error) {
	p.waits.Add(1)
	p.mu.Lock()
	if p.waitErr != nil {
		err := p.waitErr
		p.mu.Unlock()
		return 0, err
	}
	n := copy(events, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	if n == 0 {
		time.Sleep(timeout)
	}
	return n, nil
}

func (p *fakePoller) Close() error {
	p.closed.Add(1)
	return nil
}

// push queues an event for fd's current registration.
func (p *fakePoller) push(fd int, events IOEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pollEvent{fd: fd, token: p.armed[fd], events: events})
}

func (p *fakePoller) pushToken(fd int, token uint32, events IOEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pollEvent{fd: fd, token: token, events: events})
}

func (p *fakePoller) token(fd int) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.armed[fd]
	return token, ok
}

func (p *fakePoller) fail(err error) {
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
}

func withPoller(p poller) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.newPoller = func() (poller, error) { return p, nil }
		return nil
	}}
}

func newFakeRuntime(t *testing.T, p *fakePoller, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := New(append([]RuntimeOption{withPoller(p), WithRuntimeName(t.Name())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

// countingHandle is a handle double that counts every call the runtime makes.
type countingHandle struct {
	desc       *Descriptor
	onRead     func()
	capability Capability
	closes     atomic.Int32
	reads      atomic.Int32
	writes     atomic.Int32
	accepts    atomic.Int32
}

func newCountingHandle(fd int, capability Capability) *countingHandle {
	return &countingHandle{
		desc:       newDescriptor(fd, func(int) error { return nil }),
		capability: capability,
	}
}

func (h *countingHandle) Descriptor() *Descriptor { return h.desc }
func (h *countingHandle) Capability() Capability  { return h.capability }

func (h *countingHandle) Close() error {
	h.closes.Add(1)
	return h.desc.Close()
}

func (h *countingHandle) DrainRead() {
	h.reads.Add(1)
	if h.onRead != nil {
		h.onRead()
	}
}

func (h *countingHandle) DrainWrite()    { h.writes.Add(1) }
func (h *countingHandle) AcceptPending() { h.accepts.Add(1) }

// bareHandle implements neither capability interface.
type bareHandle struct {
	desc *Descriptor
}

func (h *bareHandle) Descriptor() *Descriptor { return h.desc }
func (h *bareHandle) Capability() Capability  { return CapabilitySocket }
func (h *bareHandle) Close() error            { return h.desc.Close() }

// runInBackground runs rt, returning a channel receiving Run's result.
func runInBackground(ctx context.Context, t *testing.T, rt interface {
	Run(ctx context.Context) error
}) <-chan error {
	t.Helper()
	ch := make(chan error, 1)
	go func() { ch <- rt.Run(ctx) }()
	return ch
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
