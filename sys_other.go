//go:build !linux

package netreactor

import (
	"net/netip"
)

var platformSocketIO = socketIO{
	read:  unsupportedIO,
	write: unsupportedIO,
}

func unsupportedIO(int, []byte) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func closeFD(int) error {
	return ErrUnsupportedPlatform
}

func platformAccept(int) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, ErrUnsupportedPlatform
}

func newPlatformPoller() (poller, error) {
	return nil, ErrUnsupportedPlatform
}

func isAcceptRetryable(error) bool {
	return false
}

func isAcceptExhausted(error) bool {
	return false
}
