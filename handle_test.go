package netreactor

import (
	"errors"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapability_String(t *testing.T) {
	assert.Equal(t, "acceptor", CapabilityAcceptor.String())
	assert.Equal(t, "socket", CapabilitySocket.String())
	assert.Equal(t, "Capability(9)", Capability(9).String())
}

func TestDescriptor_ReleaseOnce(t *testing.T) {
	closer := new(fakeCloser)
	d := newDescriptor(3, closer.close)
	assert.Equal(t, 3, d.FD())
	assert.False(t, d.Released())

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.NoError(t, d.Release())
	assert.True(t, d.Released())
	assert.Equal(t, int32(1), closer.calls.Load())
}

func TestDescriptor_ReleaseError(t *testing.T) {
	closer := &fakeCloser{err: syscall.EBADF}
	d := newDescriptor(4, closer.close)

	err := d.Release()
	var sysErr *SystemError
	require.True(t, errors.As(err, &sysErr))
	assert.Equal(t, "close", sysErr.Op)
	assert.ErrorIs(t, err, syscall.EBADF)

	// the attempt is not repeated
	assert.NoError(t, d.Release())
	assert.Equal(t, int32(1), closer.calls.Load())
}

func TestDescriptor_DisownedIsNotClosed(t *testing.T) {
	closer := new(fakeCloser)
	d := newDescriptor(5, closer.close)
	d.disown()
	require.NoError(t, d.Close())
	assert.True(t, d.Released())
	assert.Zero(t, closer.calls.Load())
}

func TestDescriptor_Attach(t *testing.T) {
	a := newFakeRuntime(t, newFakePoller())
	b := newFakeRuntime(t, newFakePoller())
	defer a.Close()
	defer b.Close()

	d := newDescriptor(6, func(int) error { return nil })
	assert.Nil(t, d.Runtime())

	require.True(t, d.attach(a))
	require.True(t, d.attach(a))
	assert.False(t, d.attach(b))
	assert.Same(t, a, d.Runtime())

	assert.False(t, d.detachFrom(b))
	assert.Same(t, a, d.Runtime())
	assert.True(t, d.detachFrom(a))
	assert.Nil(t, d.Runtime())
	assert.False(t, d.detachFrom(a))

	require.True(t, d.attach(b))
	assert.Same(t, b, d.detach())
	assert.Nil(t, d.detach())
}

func TestDescriptor_WeakRuntimeReference(t *testing.T) {
	d := newDescriptor(7, func(int) error { return nil })
	func() {
		rt, err := New(withPoller(newFakePoller()))
		require.NoError(t, err)
		require.True(t, d.attach(rt))
	}()

	// the descriptor must not keep the runtime alive
	require.Eventually(t, func() bool {
		runtime.GC()
		return d.Runtime() == nil
	}, waitFor, 10*time.Millisecond)

	// a collected owner does not block a new one
	rt := newFakeRuntime(t, newFakePoller())
	defer rt.Close()
	assert.True(t, d.attach(rt))
}
