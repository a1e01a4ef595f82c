package netpool

import (
	"errors"
)

var (
	ErrInvalidWorkers = errors.New("netpool: workers must be at least one")
	ErrInvalidBalance = errors.New("netpool: unknown balance strategy")
	ErrPoolRunning    = errors.New("netpool: pool is already running")
	ErrPoolNotRunning = errors.New("netpool: pool is not running")
	ErrPoolStopped    = errors.New("netpool: pool has been stopped")
)
