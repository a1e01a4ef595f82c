package netreactor

import (
	"time"
)

// IOEvents represents readiness reported for a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable, including urgent data
	// and a peer that shut down its write side.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the connection was closed in both directions.
	EventHangup
)

// pollEvent is a single readiness notification. Token identifies the
// registration the event was armed for; it is never reused by a runtime, so
// events for a replaced registration can be told apart from the new one.
type pollEvent struct {
	fd     int
	token  uint32
	events IOEvents
}

// poller is the readiness multiplexer used by a Runtime. Add and Delete may
// be called from any goroutine (the runtime serializes them); Wait is only
// called from the runtime goroutine.
type poller interface {
	Add(fd int, token uint32, capability Capability) error
	Delete(fd int) error
	Wait(events []pollEvent, timeout time.Duration) (int, error)
	Close() error
}
