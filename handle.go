package netreactor

import (
	"strconv"
	"sync/atomic"
	"weak"
)

// Capability tags a handle with the behavior the runtime dispatches to.
type Capability uint8

const (
	// CapabilityAcceptor marks a listening descriptor. Readable events drive
	// [AcceptorHandle.AcceptPending].
	CapabilityAcceptor Capability = iota + 1
	// CapabilitySocket marks a connected descriptor. Readable and writable
	// events drive [SocketHandle.DrainRead] and [SocketHandle.DrainWrite].
	CapabilitySocket
)

// String returns a human-readable representation of the capability.
func (c Capability) String() string {
	switch c {
	case CapabilityAcceptor:
		return "acceptor"
	case CapabilitySocket:
		return "socket"
	default:
		return "Capability(" + strconv.Itoa(int(c)) + ")"
	}
}

// Handle owns exactly one OS descriptor.
//
// Close must be idempotent. It must deregister the descriptor before
// releasing it, as [Descriptor.Close] does.
type Handle interface {
	Descriptor() *Descriptor
	Capability() Capability
	Close() error
}

// AcceptorHandle is a Handle with [CapabilityAcceptor].
type AcceptorHandle interface {
	Handle
	// AcceptPending accepts connections until none are immediately
	// available. Called on the runtime goroutine.
	AcceptPending()
}

// SocketHandle is a Handle with [CapabilitySocket].
type SocketHandle interface {
	Handle
	// DrainRead makes one attempt to progress the head of the read queue.
	// Called on the runtime goroutine.
	DrainRead()
	// DrainWrite makes one attempt to progress the head of the write queue.
	// Called on the runtime goroutine.
	DrainWrite()
}

// Descriptor is the OS descriptor owned by a Handle, together with a weak
// back-reference to the Runtime it is registered with. The back-reference
// never keeps the Runtime alive.
type Descriptor struct {
	runtime  atomic.Pointer[weak.Pointer[Runtime]]
	closeFD  func(fd int) error
	fd       int
	released atomic.Bool
	disowned atomic.Bool
}

// NewDescriptor takes ownership of fd.
func NewDescriptor(fd int) *Descriptor {
	return newDescriptor(fd, closeFD)
}

func newDescriptor(fd int, closeFn func(int) error) *Descriptor {
	return &Descriptor{fd: fd, closeFD: closeFn}
}

// FD returns the descriptor number. It remains valid until Close.
func (d *Descriptor) FD() int {
	return d.fd
}

// Runtime returns the runtime the descriptor is registered with, or nil if
// it is not registered, or the runtime no longer exists.
func (d *Descriptor) Runtime() *Runtime {
	if p := d.runtime.Load(); p != nil {
		return p.Value()
	}
	return nil
}

// Released reports whether the descriptor has been closed.
func (d *Descriptor) Released() bool {
	return d.released.Load()
}

// Close deregisters the descriptor from its runtime, if any, then releases
// it. Safe to call more than once; only the first call releases.
func (d *Descriptor) Close() error {
	d.Deregister()
	return d.Release()
}

// Deregister removes the descriptor from its runtime, without releasing it.
func (d *Descriptor) Deregister() {
	if rt := d.detach(); rt != nil {
		rt.deregisterDescriptor(d)
	}
}

// Release closes the OS descriptor, exactly once. A descriptor whose number
// was taken over by a newer registration is marked as released without
// closing the number.
func (d *Descriptor) Release() error {
	if !d.released.CompareAndSwap(false, true) {
		return nil
	}
	if d.disowned.Load() {
		return nil
	}
	if err := d.closeFD(d.fd); err != nil {
		return newSystemError("close", err)
	}
	return nil
}

// attach sets the back-reference, failing if the descriptor is registered
// with another live runtime.
func (d *Descriptor) attach(rt *Runtime) bool {
	wp := weak.Make(rt)
	for {
		cur := d.runtime.Load()
		if cur != nil {
			if other := cur.Value(); other != nil && other != rt {
				return false
			}
		}
		if d.runtime.CompareAndSwap(cur, &wp) {
			return true
		}
	}
}

// detach clears the back-reference, returning the runtime it pointed to.
func (d *Descriptor) detach() *Runtime {
	if p := d.runtime.Swap(nil); p != nil {
		return p.Value()
	}
	return nil
}

// detachFrom clears the back-reference only if it points to rt.
func (d *Descriptor) detachFrom(rt *Runtime) bool {
	for {
		cur := d.runtime.Load()
		if cur == nil {
			return false
		}
		if other := cur.Value(); other != nil && other != rt {
			return false
		}
		if d.runtime.CompareAndSwap(cur, nil) {
			return true
		}
	}
}

// disown marks the number as belonging to someone else, so Release will not
// close it.
func (d *Descriptor) disown() {
	d.disowned.Store(true)
}
