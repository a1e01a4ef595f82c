// Package netpool spreads TCP connections over several netreactor runtimes,
// each running on its own goroutine.
//
// A [Server] listens with one SO_REUSEPORT socket per runtime. A [Client]
// dials connections and assigns each to a runtime, round-robin or by least
// load.
package netpool
