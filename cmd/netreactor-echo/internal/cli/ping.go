package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-netreactor"
	"github.com/joeycumines/go-netreactor/netpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	errPingTimeout  = errors.New(`ping: timed out`)
	errPingMismatch = errors.New(`ping: reply does not match payload`)
)

func newPingCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trips against an echo server",
		Long: WrapString(`Connect to --addr, then send --payload --count
times, waiting for each echo before sending the next. A round trip that takes
longer than --timeout closes the connection.`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPing(cmd.Context(), v, cmd)
		},
	}

	cmd.Flags().String("addr", "127.0.0.1:7777", WrapString("The address of the echo server"))
	cmd.Flags().Int("count", 3, WrapString("The number of round trips"))
	cmd.Flags().String("payload", "ping", WrapString("The payload to send on each round trip"))
	cmd.Flags().Duration("timeout", time.Second, WrapString("The deadline for each round trip"))
	cmd.Flags().Int("workers", 1, WrapString("The number of runtimes (event loops) to run"))

	return cmd
}

func runPing(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(v, cmd)
	if err != nil {
		return err
	}

	count := v.GetInt("count")
	if count < 1 {
		return fmt.Errorf("ping: invalid count %d", count)
	}
	payload := []byte(v.GetString("payload"))
	if len(payload) == 0 {
		return errors.New(`ping: empty payload`)
	}
	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		return fmt.Errorf("ping: invalid timeout %s", timeout)
	}

	client, err := netpool.NewClient(
		netpool.WithName("netreactor-ping"),
		netpool.WithWorkers(v.GetInt("workers")),
		netpool.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	timer, err := netreactor.NewTimer(netreactor.WithTimerName("netreactor-ping"), netreactor.WithLogger(logger))
	if err != nil {
		return err
	}
	timerDone := make(chan error, 1)
	go func() { timerDone <- timer.Run(ctx) }()
	defer func() {
		timer.Stop()
		<-timerDone
	}()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	sock, err := client.DialTCP(dialCtx, v.GetString("addr"))
	cancel()
	if err != nil {
		return err
	}
	defer sock.Close()

	p := &pinger{
		out:     cmd.OutOrStdout(),
		sock:    sock,
		timer:   timer,
		payload: payload,
		timeout: timeout,
	}

	return p.run(ctx, count)
}

type pinger struct {
	out     io.Writer
	sock    *netreactor.TCPSocket
	timer   *netreactor.Timer
	payload []byte
	timeout time.Duration
	// seq identifies the current round trip, so a late deadline for an
	// earlier one is ignored
	seq atomic.Uint64
}

func (p *pinger) run(ctx context.Context, count int) error {
	var (
		rtts     []time.Duration
		firstErr error
	)
	for i := 1; i <= count; i++ {
		rtt, err := p.roundTrip(ctx)
		if err != nil {
			fmt.Fprintf(p.out, "seq=%d error: %v\n", i, err)
			firstErr = err
			break
		}
		rtts = append(rtts, rtt)
		fmt.Fprintf(p.out, "%d bytes from %s: seq=%d rtt=%s\n", len(p.payload), p.sock.Peer(), i, rtt)
	}
	p.summary(count, rtts)
	return firstErr
}

func (p *pinger) roundTrip(ctx context.Context) (time.Duration, error) {
	seq := p.seq.Add(1)
	result := make(chan error, 2)
	reply := make([]byte, len(p.payload))
	start := time.Now()

	var timedOut atomic.Bool
	if err := p.timer.ScheduleAfter(p.timeout, p.deadline(seq, &timedOut)); err != nil {
		p.settle(seq)
		return 0, err
	}

	if err := p.sock.Write(p.payload, func(_ []byte, _ int, err error) { result <- err }); err != nil {
		p.settle(seq)
		return 0, err
	}
	if err := p.sock.Read(reply, func(_ []byte, _ int, err error) { result <- err }); err != nil {
		p.settle(seq)
		return 0, err
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-result:
			if err != nil {
				if !p.settle(seq) && timedOut.Load() {
					return 0, errPingTimeout
				}
				return 0, err
			}
		case <-ctx.Done():
			p.settle(seq)
			return 0, ctx.Err()
		}
	}
	rtt := time.Since(start)
	if !p.settle(seq) {
		// the deadline won, and is closing the socket
		return 0, errPingTimeout
	}

	if !bytes.Equal(reply, p.payload) {
		return rtt, errPingMismatch
	}
	return rtt, nil
}

// settle ends round trip seq, reporting whether the caller did so first.
// Exactly one of the deadline and the round trip itself wins.
func (p *pinger) settle(seq uint64) bool {
	return p.seq.CompareAndSwap(seq, seq+1)
}

// deadline closes the socket if round trip seq has not settled.
func (p *pinger) deadline(seq uint64, timedOut *atomic.Bool) netreactor.TimerCallback {
	return func(_, _ time.Time) {
		if p.settle(seq) {
			timedOut.Store(true)
			_ = p.sock.Close()
		}
	}
}

func (p *pinger) summary(count int, rtts []time.Duration) {
	fmt.Fprintf(p.out, "--- %s ping statistics ---\n", p.sock.Peer())
	fmt.Fprintf(p.out, "%d round trips, %d ok\n", count, len(rtts))
	if len(rtts) == 0 {
		return
	}
	lo, hi, sum := rtts[0], rtts[0], time.Duration(0)
	for _, rtt := range rtts {
		lo = min(lo, rtt)
		hi = max(hi, rtt)
		sum += rtt
	}
	fmt.Fprintf(p.out, "rtt min/avg/max = %s/%s/%s\n", lo, sum/time.Duration(len(rtts)), hi)
}
