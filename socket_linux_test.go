//go:build linux

package netreactor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type ioResult struct {
	err error
	buf []byte
	n   int
}

func resultChan() (chan ioResult, Completion) {
	ch := make(chan ioResult, 16)
	return ch, func(buf []byte, n int, err error) {
		ch <- ioResult{buf: buf, n: n, err: err}
	}
}

func awaitResult(t *testing.T, ch <-chan ioResult) ioResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for completion")
		return ioResult{}
	}
}

func startRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := New(append([]RuntimeOption{WithRuntimeName(t.Name())}, opts...)...)
	require.NoError(t, err)
	done := runInBackground(context.Background(), t, rt)
	t.Cleanup(func() {
		require.NoError(t, rt.Close())
		require.NoError(t, <-done)
	})
	return rt
}

// socketPair returns two connected, registered sockets.
func socketPair(t *testing.T, rt *Runtime) (*TCPSocket, *TCPSocket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, err := NewTCPSocket(fds[0], netip.AddrPort{})
	require.NoError(t, err)
	b, err := NewTCPSocket(fds[1], netip.AddrPort{})
	require.NoError(t, err)
	require.NoError(t, rt.Register(a))
	require.NoError(t, rt.Register(b))
	return a, b
}

func TestTCPSocket_Linux_RoundTrip(t *testing.T) {
	rt := startRuntime(t)
	a, b := socketPair(t, rt)

	reads, readCb := resultChan()
	writes, writeCb := resultChan()

	require.NoError(t, b.Read(make([]byte, 5), readCb))
	require.NoError(t, a.Write([]byte("hello"), writeCb))

	w := awaitResult(t, writes)
	require.NoError(t, w.err)
	assert.Equal(t, 5, w.n)

	r := awaitResult(t, reads)
	require.NoError(t, r.err)
	assert.Equal(t, "hello", string(r.buf[:r.n]))
}

func TestTCPSocket_Linux_PipelinedReads(t *testing.T) {
	rt := startRuntime(t)
	a, b := socketPair(t, rt)

	reads, readCb := resultChan()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Read(make([]byte, 4), readCb))
	}

	// a single edge for all three tasks; the sweep completes the rest
	writes, writeCb := resultChan()
	require.NoError(t, a.Write([]byte("aaaabbbbcccc"), writeCb))
	require.NoError(t, awaitResult(t, writes).err)

	var got []string
	for i := 0; i < 3; i++ {
		r := awaitResult(t, reads)
		require.NoError(t, r.err)
		got = append(got, string(r.buf[:r.n]))
	}
	assert.Equal(t, []string{"aaaa", "bbbb", "cccc"}, got)
}

func TestTCPSocket_Linux_LargeWrite(t *testing.T) {
	rt := startRuntime(t)
	a, b := socketPair(t, rt)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)

	writes, writeCb := resultChan()
	require.NoError(t, a.Write(payload, writeCb))

	reads, readCb := resultChan()
	require.NoError(t, b.Read(make([]byte, len(payload)), readCb))

	w := awaitResult(t, writes)
	require.NoError(t, w.err)
	assert.Equal(t, len(payload), w.n)

	r := awaitResult(t, reads)
	require.NoError(t, r.err)
	assert.True(t, bytes.Equal(payload, r.buf))
}

func TestTCPSocket_Linux_PeerClosed(t *testing.T) {
	rt := startRuntime(t)
	a, b := socketPair(t, rt)

	reads, readCb := resultChan()
	require.NoError(t, b.ReadSome(make([]byte, 16), readCb))
	require.NoError(t, a.Close())

	r := awaitResult(t, reads)
	assert.ErrorIs(t, r.err, ErrPeerClosed)
	assert.Zero(t, r.n)
	assert.Eventually(t, func() bool { return rt.CurrentLoad() == 1 }, waitFor, time.Millisecond)
}

func TestTCPSocket_Linux_CloseFromCompletion(t *testing.T) {
	rt := startRuntime(t)
	a, b := socketPair(t, rt)

	closed := make(chan error, 4)
	require.NoError(t, b.ReadSome(make([]byte, 4), func(_ []byte, _ int, err error) {
		closed <- err
		closed <- b.Close()
	}))
	require.NoError(t, b.Read(make([]byte, 4), func(_ []byte, _ int, err error) {
		closed <- err
	}))

	writes, writeCb := resultChan()
	require.NoError(t, a.Write([]byte("x"), writeCb))
	require.NoError(t, awaitResult(t, writes).err)

	// the queued read fails once the running completion returns
	for _, want := range []error{nil, nil, ErrSocketClosed} {
		select {
		case err := <-closed:
			if want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, want)
			}
		case <-time.After(waitFor):
			t.Fatal("timed out")
		}
	}
	assert.True(t, b.IsClosed())
	assert.Eventually(t, func() bool { return rt.CurrentLoad() == 1 }, waitFor, time.Millisecond)
}

func listenLoopback(t *testing.T) (int, netip.AddrPort) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 128))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sockaddrToAddrPort(sa)
}

func TestTCPAcceptor_Linux_AcceptAndEcho(t *testing.T) {
	rt := startRuntime(t)
	fd, addr := listenLoopback(t)

	accepted := make(chan *TCPSocket, 4)
	acceptor, err := NewTCPAcceptor(fd, func(s *TCPSocket) { accepted <- s })
	require.NoError(t, err)
	require.NoError(t, rt.Register(acceptor))
	assert.Equal(t, CapabilityAcceptor, acceptor.Capability())

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	var sock *TCPSocket
	select {
	case sock = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
	}
	assert.Same(t, rt, sock.Descriptor().Runtime())
	local := conn.LocalAddr().(*net.TCPAddr).AddrPort()
	assert.Equal(t, netip.AddrPortFrom(local.Addr().Unmap(), local.Port()), sock.Peer())
	assert.Equal(t, 2, rt.CurrentLoad())

	// echo one message
	reads, readCb := resultChan()
	require.NoError(t, sock.ReadSome(make([]byte, 64), func(buf []byte, n int, err error) {
		readCb(buf, n, err)
		if err == nil {
			_ = sock.Write(buf[:n], func([]byte, int, error) {})
		}
	}))
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, awaitResult(t, reads).err)

	reply := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))

	require.NoError(t, acceptor.Close())
	require.NoError(t, acceptor.Close())
	assert.Eventually(t, func() bool { return rt.CurrentLoad() == 1 }, waitFor, time.Millisecond)
}

func TestNewTCPAcceptor_NilCallback(t *testing.T) {
	_, err := NewTCPAcceptor(-1, nil)
	var e *Error
	assert.ErrorAs(t, err, &e)
}

func TestTCPAcceptor_AcceptErrors(t *testing.T) {
	p := newFakePoller()
	rt := newFakeRuntime(t, p)
	defer rt.Close()

	calls := 0
	acceptor, err := NewTCPAcceptor(200, func(*TCPSocket) { t.Error("unexpected accept") },
		&acceptorOptionImpl{func(opts *acceptorOptions) error {
			opts.accept = func(int) (int, netip.AddrPort, error) {
				calls++
				switch calls {
				case 1:
					return -1, netip.AddrPort{}, unix.ECONNABORTED
				case 2:
					return -1, netip.AddrPort{}, unix.EMFILE
				default:
					return -1, netip.AddrPort{}, unix.EAGAIN
				}
			}
			return nil
		}},
	)
	require.NoError(t, err)
	acceptor.desc = newDescriptor(200, func(int) error { return nil })
	require.NoError(t, rt.Register(acceptor))
	token, ok := p.token(200)
	require.True(t, ok)

	acceptor.AcceptPending()
	assert.Equal(t, 2, calls, "aborted connections are skipped, other errors end the batch")

	// out of descriptors: disarmed until the backoff elapses
	_, ok = p.token(200)
	assert.False(t, ok)
	rt.resumePaused()
	_, ok = p.token(200)
	assert.False(t, ok)
	assert.Equal(t, 1, rt.CurrentLoad())

	var buf bytes.Buffer
	rt.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), fmt.Sprintf(`netreactor_pauses_total{runtime=%q} 1`, t.Name()))

	assert.Eventually(t, func() bool {
		rt.resumePaused()
		got, ok := p.token(200)
		return ok && got == token
	}, waitFor, 5*time.Millisecond)

	acceptor.AcceptPending()
	assert.Equal(t, 3, calls)
	_, ok = p.token(200)
	assert.True(t, ok, "would-block does not pause")
}

