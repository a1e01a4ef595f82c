// Command netreactor-echo runs a TCP echo server, or measures round trips
// against one.
package main

import (
	"github.com/joeycumines/go-netreactor/cmd/netreactor-echo/internal/cli"
)

func main() {
	cli.Execute()
}
