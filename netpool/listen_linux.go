//go:build linux

package netpool

import (
	"context"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP opens a non-blocking listening socket with SO_REUSEPORT, so
// several may share one address and the kernel spreads connections across
// them.
func listenTCP(ctx context.Context, addr string) (int, netip.AddrPort, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	tl := ln.(*net.TCPListener)
	defer tl.Close()

	fd, err := detach(tl)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return fd, addrPort(tl.Addr()), nil
}

// dialTCP connects to addr, honoring ctx, and returns the connected
// descriptor in non-blocking mode along with the peer address.
func dialTCP(ctx context.Context, d *net.Dialer, addr string) (int, netip.AddrPort, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	tc := conn.(*net.TCPConn)
	defer tc.Close()

	fd, err := detach(tc)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return fd, addrPort(tc.RemoteAddr()), nil
}

// detach duplicates the descriptor behind a net listener or connection, so
// it outlives the Go object, and puts it in non-blocking mode.
func detach(f interface{ File() (*os.File, error) }) (int, error) {
	file, err := f.File()
	if err != nil {
		return -1, err
	}
	defer file.Close()

	fd, err := unix.FcntlInt(file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("fcntl", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return fd, nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func addrPort(addr net.Addr) netip.AddrPort {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ta.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
