//go:build linux

package netreactor

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

var platformSocketIO = socketIO{
	read: unix.Read,
	write: func(fd int, p []byte) (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
	},
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func platformAccept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return nfd, sockaddrToAddrPort(sa), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// isAcceptRetryable reports accept4 failures that concern only the single
// connection being accepted.
func isAcceptRetryable(err error) bool {
	return err == unix.ECONNABORTED || err == unix.EINTR
}

// isAcceptExhausted reports accept4 failures caused by a lack of resources,
// which leave the connection queued, so the listener stays readable.
func isAcceptExhausted(err error) bool {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	default:
		return false
	}
}
