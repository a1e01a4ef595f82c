package netreactor

// Completion receives the outcome of a read or write. The buffer is the one
// that was submitted, handed back to the caller; n is the number of bytes
// transferred into (or from) it, which is meaningful on error too.
type Completion func(buf []byte, n int, err error)

// strategy decides when a task is satisfied.
type strategy uint8

const (
	// opportunistic tasks succeed after the first transfer of at least one byte
	opportunistic strategy = iota
	// complete tasks succeed once the whole buffer is transferred
	complete
)

type socketIO struct {
	read  func(fd int, p []byte) (int, error)
	write func(fd int, p []byte) (int, error)
}

type ioOp struct {
	fn   func(fd int, p []byte) (int, error)
	name string
}

// task is a single queued read or write. Only the goroutine holding the
// owning queue's lock may touch it, until it is popped.
type task struct {
	err      error
	cb       Completion
	buf      []byte
	off      int
	strategy strategy
	done     bool
}

func newTask(buf []byte, s strategy, cb Completion) *task {
	return &task{
		buf:      buf,
		strategy: s,
		cb:       cb,
		// nothing to transfer
		done: len(buf) == 0,
	}
}

// settled reports whether the task's disposition is decided.
func (t *task) settled() bool {
	return t.done || t.err != nil
}

// exec makes one syscall attempt, unless the task is already settled.
func (t *task) exec(fd int, op ioOp) {
	if t.settled() {
		return
	}
	n, err := op.fn(fd, t.buf[t.off:])
	if err != nil {
		t.err = newSystemError(op.name, err)
		return
	}
	if n <= 0 {
		t.err = ErrPeerClosed
		return
	}
	t.off += n
	if t.strategy == opportunistic || t.off == len(t.buf) {
		t.done = true
	}
}
