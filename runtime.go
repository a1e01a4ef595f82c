package netreactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Runtime is a reactor: it multiplexes readiness over every registered
// handle, on a single loop goroutine, and owns the lifetime of those handles.
//
// A Runtime is single use. Once Run has returned (or Close has been called)
// it is terminated, and every handle it owned has been closed.
type Runtime struct { // betteralign:ignore
	poller  poller
	logger  *logiface.Logger[logiface.Event]
	metrics *runtimeMetrics

	// guarded by mu
	entries   map[int]*registration
	sockets   map[int]SocketHandle
	retired   []Handle
	paused    map[int]time.Time
	nextToken uint32
	closed    bool

	// only touched by the loop goroutine
	events   []pollEvent
	sweepBuf []SocketHandle

	done            chan struct{}
	name            string
	pollTimeout     time.Duration
	mu              sync.Mutex
	state           loopState
	stopRequested   atomic.Bool
	loopGoroutineID atomic.Uint64
}

// registration is a handle resolved once to its capability, so dispatch is a
// switch on the tag.
type registration struct {
	handle     Handle
	acceptor   AcceptorHandle
	socket     SocketHandle
	token      uint32
	capability Capability
}

// New creates a Runtime. It does nothing until [Runtime.Run] is called.
func New(opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := cfg.newPoller()
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		poller:      p,
		logger:      cfg.logger,
		entries:     make(map[int]*registration),
		sockets:     make(map[int]SocketHandle),
		paused:      make(map[int]time.Time),
		events:      make([]pollEvent, cfg.maxEvents),
		done:        make(chan struct{}),
		name:        cfg.name,
		pollTimeout: cfg.pollTimeout,
	}
	r.metrics = newRuntimeMetrics(cfg.name, r.CurrentLoad)

	return r, nil
}

// Name returns the name the runtime was created with.
func (r *Runtime) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return r.state.Load()
}

// Done returns a channel that is closed once the runtime has terminated and
// released every handle.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// CurrentLoad returns the number of registered handles.
func (r *Runtime) CurrentLoad() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func newRegistration(h Handle) (*registration, error) {
	reg := &registration{handle: h, capability: h.Capability()}
	var ok bool
	switch reg.capability {
	case CapabilityAcceptor:
		reg.acceptor, ok = h.(AcceptorHandle)
	case CapabilitySocket:
		reg.socket, ok = h.(SocketHandle)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement capability %s", ErrInvalidHandle, h, reg.capability)
	}
	return reg, nil
}

// Register takes ownership of h, and arms readiness notification for it.
//
// If the descriptor number is already registered with a different handle
// (the OS reused the number), that handle is detached and force-closed
// without releasing the number, before h becomes reachable. No readiness
// event is ever delivered to the stale handle after this.
//
// On error, ownership remains with the caller.
func (r *Runtime) Register(h Handle) error {
	if h == nil {
		return ErrInvalidHandle
	}
	d := h.Descriptor()
	if d == nil || d.Released() {
		return ErrInvalidHandle
	}
	if other := d.Runtime(); other != nil && other != r {
		return ErrHandleOwnedElsewhere
	}
	reg, err := newRegistration(h)
	if err != nil {
		return err
	}

	for {
		r.mu.Lock()

		if r.closed {
			r.mu.Unlock()
			return ErrRuntimeTerminated
		}

		prev, ok := r.entries[d.fd]
		if ok && prev.handle.Descriptor() == d {
			r.mu.Unlock()
			return ErrHandleAlreadyRegistered
		}

		if ok {
			r.detachLocked(prev)
			pd := prev.handle.Descriptor()
			pd.detachFrom(r)
			pd.disown()
			r.mu.Unlock()

			r.metrics.replaced.Inc()
			r.logger.Debug().
				Str("runtime", r.name).
				Int("fd", d.fd).
				Stringer("capability", prev.capability).
				Log(`replacing stale handle`)

			// its close sequence, including error completions, runs before
			// the new handle is armed
			r.closeHandle(prev.handle)
			continue
		}

		if !d.attach(r) {
			r.mu.Unlock()
			return ErrHandleOwnedElsewhere
		}

		r.nextToken++
		reg.token = r.nextToken
		if err := r.poller.Add(d.fd, reg.token, reg.capability); err != nil {
			d.detachFrom(r)
			r.mu.Unlock()
			return err
		}

		r.entries[d.fd] = reg
		if reg.socket != nil {
			r.sockets[d.fd] = reg.socket
		}
		r.mu.Unlock()

		r.metrics.registered.Inc()
		return nil
	}
}

// Deregister removes h, disarming readiness notification. The handle is
// retired: it is closed at the end of the current loop iteration, since one
// of its own callbacks may still be running. It is a no-op if h is not
// registered with this runtime.
func (r *Runtime) Deregister(h Handle) {
	if h == nil {
		return
	}
	d := h.Descriptor()
	if d == nil {
		return
	}
	d.detachFrom(r)
	r.deregisterDescriptor(d)
}

func (r *Runtime) deregisterDescriptor(d *Descriptor) {
	r.mu.Lock()
	reg, ok := r.entries[d.fd]
	if !ok || reg.handle.Descriptor() != d {
		r.mu.Unlock()
		return
	}
	r.detachLocked(reg)
	r.retired = append(r.retired, reg.handle)
	r.mu.Unlock()

	r.metrics.deregistered.Inc()
}

// detachLocked removes reg from the map, the sweep set, and the interest set.
func (r *Runtime) detachLocked(reg *registration) {
	fd := reg.handle.Descriptor().fd
	delete(r.entries, fd)
	delete(r.sockets, fd)
	delete(r.paused, fd)
	if err := r.poller.Delete(fd); err != nil {
		r.logger.Warning().
			Str("runtime", r.name).
			Int("fd", fd).
			Err(err).
			Log(`failed to disarm descriptor`)
	}
}

// Run runs the loop on the calling goroutine, until Stop is called, ctx is
// cancelled, or waiting for readiness fails. Every handle still registered
// is closed before Run returns.
//
// Returns nil after Stop, ctx.Err() after cancellation, or an error wrapping
// [ErrPollFailed].
func (r *Runtime) Run(ctx context.Context) error {
	if r.isLoopGoroutine() {
		return ErrReentrantRun
	}

	if !r.state.TryTransition(StateAwake, StateRunning) {
		if r.state.Load() == StateRunning {
			return ErrRuntimeAlreadyRunning
		}
		return ErrRuntimeTerminated
	}

	defer close(r.done)

	return r.run(ctx)
}

func (r *Runtime) run(ctx context.Context) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.loopGoroutineID.Store(getGoroutineID())
	defer r.loopGoroutineID.Store(0)

	r.logger.Info().
		Str("runtime", r.name).
		Log(`runtime started`)

	for {
		if r.stopRequested.Load() {
			break
		}
		if err = ctx.Err(); err != nil {
			break
		}
		if pollErr := r.tick(); pollErr != nil {
			r.metrics.pollErrors.Inc()
			err = fmt.Errorf("%w: %w", ErrPollFailed, pollErr)
			r.logger.Crit().
				Str("runtime", r.name).
				Err(pollErr).
				Log(`poll failed, terminating runtime`)
			break
		}
	}

	r.state.TryTransition(StateRunning, StateStopping)
	r.teardown()
	r.state.Store(StateTerminated)

	r.logger.Info().
		Str("runtime", r.name).
		Log(`runtime stopped`)

	return err
}

// tick is a single loop iteration.
func (r *Runtime) tick() error {
	n, err := r.poller.Wait(r.events, r.pollTimeout)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		r.dispatch(r.events[i])
	}

	r.sweep()

	r.finalizeRetired()

	r.resumePaused()

	return nil
}

func (r *Runtime) dispatch(ev pollEvent) {
	r.mu.Lock()
	reg, ok := r.entries[ev.fd]
	if !ok || reg.token != ev.token {
		r.mu.Unlock()
		r.metrics.staleEvents.Inc()
		return
	}
	target := *reg
	r.mu.Unlock()

	r.metrics.events.Inc()

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.panics.Inc()
			recoverCallback(r.logger, "runtime-dispatch", rec)
		}
	}()

	switch target.capability {
	case CapabilityAcceptor:
		if ev.events&EventRead != 0 {
			target.acceptor.AcceptPending()
		} else {
			r.forceClose(target.handle)
		}

	case CapabilitySocket:
		readable := ev.events&EventRead != 0
		writable := ev.events&EventWrite != 0
		if readable {
			target.socket.DrainRead()
		}
		if writable {
			target.socket.DrainWrite()
		}
		if !readable && !writable && ev.events&(EventError|EventHangup) != 0 {
			r.forceClose(target.handle)
		}
	}
}

// sweep drains both queue heads of every registered socket, covering
// readiness transitions that edge-triggered notification does not repeat.
func (r *Runtime) sweep() {
	r.mu.Lock()
	for _, s := range r.sockets {
		r.sweepBuf = append(r.sweepBuf, s)
	}
	r.mu.Unlock()

	for _, s := range r.sweepBuf {
		r.drainSocket(s)
	}

	clear(r.sweepBuf)
	r.sweepBuf = r.sweepBuf[:0]

	r.metrics.sweeps.Inc()
}

func (r *Runtime) drainSocket(s SocketHandle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.panics.Inc()
			recoverCallback(r.logger, "runtime-sweep", rec)
		}
	}()
	s.DrainRead()
	s.DrainWrite()
}

// pause disarms readiness notification for h, until at least d has passed.
// It is for level-triggered handles that cannot make progress, e.g. an
// acceptor out of descriptors, which would otherwise be reported ready on
// every iteration. It is a no-op if h is not registered, or already paused.
func (r *Runtime) pause(h Handle, d time.Duration) {
	fd := h.Descriptor().fd
	r.mu.Lock()
	reg, ok := r.entries[fd]
	if !ok || reg.handle != h {
		r.mu.Unlock()
		return
	}
	if _, ok := r.paused[fd]; ok {
		r.mu.Unlock()
		return
	}
	if err := r.poller.Delete(fd); err != nil {
		r.mu.Unlock()
		r.logger.Warning().
			Str("runtime", r.name).
			Int("fd", fd).
			Err(err).
			Log(`failed to pause descriptor`)
		return
	}
	r.paused[fd] = time.Now().Add(d)
	r.mu.Unlock()

	r.metrics.pauses.Inc()
	r.logger.Debug().
		Str("runtime", r.name).
		Int("fd", fd).
		Dur("backoff", d).
		Log(`paused descriptor`)
}

// resumePaused re-arms every paused handle whose backoff has elapsed, with
// its original token.
func (r *Runtime) resumePaused() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.paused) == 0 {
		return
	}
	now := time.Now()
	for fd, at := range r.paused {
		if now.Before(at) {
			continue
		}
		delete(r.paused, fd)
		reg, ok := r.entries[fd]
		if !ok {
			continue
		}
		if err := r.poller.Add(fd, reg.token, reg.capability); err != nil {
			// a handle that cannot be re-armed would never be dispatched again
			r.detachLocked(reg)
			reg.handle.Descriptor().detachFrom(r)
			r.retired = append(r.retired, reg.handle)
			r.logger.Warning().
				Str("runtime", r.name).
				Int("fd", fd).
				Err(err).
				Log(`failed to resume descriptor`)
		}
	}
}

// finalizeRetired closes every retired handle. Runs after dispatch and the
// sweep, before the next wait.
func (r *Runtime) finalizeRetired() {
	r.mu.Lock()
	retired := r.retired
	r.retired = nil
	r.mu.Unlock()

	for _, h := range retired {
		r.closeHandle(h)
	}
}

// teardown detaches and closes every handle, then releases the poller.
func (r *Runtime) teardown() {
	r.mu.Lock()
	r.closed = true
	owned := make([]Handle, 0, len(r.entries)+len(r.retired))
	for _, reg := range r.entries {
		d := reg.handle.Descriptor()
		if err := r.poller.Delete(d.fd); err != nil {
			r.logger.Debug().
				Str("runtime", r.name).
				Int("fd", d.fd).
				Err(err).
				Log(`failed to disarm descriptor during teardown`)
		}
		d.detachFrom(r)
		owned = append(owned, reg.handle)
	}
	clear(r.entries)
	clear(r.sockets)
	clear(r.paused)
	owned = append(owned, r.retired...)
	r.retired = nil
	r.mu.Unlock()

	for _, h := range owned {
		r.closeHandle(h)
	}

	if err := r.poller.Close(); err != nil {
		r.logger.Warning().
			Str("runtime", r.name).
			Err(err).
			Log(`failed to close poller`)
	}
}

// forceClose detaches h, then closes it. The handle's own deregistration is
// then a no-op, so it is closed exactly once.
func (r *Runtime) forceClose(h Handle) {
	d := h.Descriptor()
	r.mu.Lock()
	if reg, ok := r.entries[d.fd]; ok && reg.handle == h {
		r.detachLocked(reg)
		d.detachFrom(r)
	}
	r.mu.Unlock()

	r.logger.Debug().
		Str("runtime", r.name).
		Int("fd", d.fd).
		Log(`closing descriptor after error or hangup`)

	r.closeHandle(h)
}

// closeHandle closes h with no locks held, logging (not propagating) both
// errors and panics.
func (r *Runtime) closeHandle(h Handle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.panics.Inc()
			recoverCallback(r.logger, "runtime-close", rec)
		}
	}()
	if err := h.Close(); err != nil {
		r.logger.Debug().
			Str("runtime", r.name).
			Int("fd", h.Descriptor().fd).
			Err(err).
			Log(`failed to close handle`)
	}
}

// Stop requests that the loop exit. It does not wait: use [Runtime.Done] to
// know when every handle has been released. A stop requested before Run
// makes Run tear down immediately.
func (r *Runtime) Stop() {
	r.stopRequested.Store(true)
}

// Close stops the runtime and waits for it to terminate. If Run was never
// called, every registered handle is closed here instead. Calling Close from
// the runtime goroutine does not wait.
func (r *Runtime) Close() error {
	r.Stop()

	if r.state.TryTransition(StateAwake, StateStopping) {
		r.teardown()
		r.state.Store(StateTerminated)
		close(r.done)
		return nil
	}

	if !r.isLoopGoroutine() {
		<-r.done
	}
	return nil
}

// isLoopGoroutine reports whether the caller is the runtime's loop goroutine.
func (r *Runtime) isLoopGoroutine() bool {
	id := r.loopGoroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}
