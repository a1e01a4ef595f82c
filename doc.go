// Package netreactor provides an asynchronous, non-blocking TCP I/O core: a
// [Runtime] (epoll reactor) driving per-connection read and write task queues
// ([TCPSocket]), plus an independent deadline scheduler ([Timer]).
//
// # Architecture
//
// Every OS descriptor is owned by exactly one [Handle]. A handle carries a
// capability tag ([CapabilityAcceptor] or [CapabilitySocket]) that the
// runtime's dispatcher switches on, and a [Descriptor] holding a weak
// back-reference to the runtime that owns it.
//
// A [Runtime] runs a single loop goroutine, locked to its OS thread. Each
// iteration:
//  1. Waits for readiness (1ms bounded timeout).
//  2. Dispatches each event by capability: accept, drain read, drain write,
//     or force-close on error/hangup.
//  3. Sweeps every registered socket, draining the read and write queue heads.
//  4. Closes and clears the retire list.
//
// Connected sockets use edge-triggered notification, so step 3 is what
// guarantees progress for tasks queued behind one that was satisfied between
// two waits. Listening descriptors are level-triggered.
//
// # Sockets
//
// [TCPSocket.Read] and [TCPSocket.Write] complete only when the whole buffer
// has been transferred. [TCPSocket.ReadSome] and [TCPSocket.WriteSome]
// complete on the first transfer of at least one byte. Completions for each
// direction fire in submission order, exactly once, on the runtime goroutine.
// The buffer belongs to the socket from submission until the completion hands
// it back.
//
// [TCPSocket.Close] fires [ErrSocketClosed] for every task still queued.
// [TCPSocket.Cancel] drops queued tasks silently.
//
// # Timers
//
// A [Timer] runs its own loop. Callbacks receive both the scheduled time and
// the time they actually fired. Timeouts on socket operations are composed by
// closing or cancelling the socket from a timer callback.
//
// # Usage
//
//	rt, err := netreactor.New(netreactor.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	sock, err := netreactor.NewTCPSocket(fd, peer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Register(sock); err != nil {
//	    log.Fatal(err)
//	}
//	_ = sock.ReadSome(make([]byte, 4096), func(buf []byte, n int, err error) {
//	    // runs on the runtime goroutine
//	})
//
//	go rt.Run(ctx)
//
// # Platform Support
//
// The reactor is implemented with epoll and requires Linux. On other
// platforms [New] returns [ErrUnsupportedPlatform].
package netreactor
