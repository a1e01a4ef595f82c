//go:build !linux

package netpool

import (
	"context"
	"net"
	"net/netip"

	"github.com/joeycumines/go-netreactor"
)

func listenTCP(context.Context, string) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, netreactor.ErrUnsupportedPlatform
}

func dialTCP(context.Context, *net.Dialer, string) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, netreactor.ErrUnsupportedPlatform
}

func closeFD(int) error {
	return netreactor.ErrUnsupportedPlatform
}
