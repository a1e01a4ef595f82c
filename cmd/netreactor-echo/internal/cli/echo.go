package cli

import (
	"github.com/joeycumines/go-netreactor"
)

const echoBufferSize = 4096

// echoHandler returns an accept callback that writes back everything each
// connection reads, closing the connection on the first error.
func echoHandler() func(*netreactor.TCPSocket) {
	return func(sock *netreactor.TCPSocket) {
		buf := make([]byte, echoBufferSize)
		var onRead netreactor.Completion
		onRead = func(b []byte, n int, err error) {
			if err != nil {
				_ = sock.Close()
				return
			}
			if err := sock.Write(b[:n], func(_ []byte, _ int, err error) {
				if err != nil {
					_ = sock.Close()
					return
				}
				if err := sock.ReadSome(buf, onRead); err != nil {
					_ = sock.Close()
				}
			}); err != nil {
				_ = sock.Close()
			}
		}
		if err := sock.ReadSome(buf, onRead); err != nil {
			_ = sock.Close()
		}
	}
}
