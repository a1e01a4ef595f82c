package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joeycumines/go-netreactor/netpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a TCP echo server",
		Long: WrapString(`Listen on --addr with one SO_REUSEPORT listener per
worker, echoing back everything each connection sends. Stops on SIGINT or
SIGTERM.`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v, cmd)
		},
	}

	cmd.Flags().String("addr", "127.0.0.1:7777", WrapString("The address to listen on"))
	cmd.Flags().Int("workers", runtime.GOMAXPROCS(0), WrapString("The number of runtimes (event loops) to run"))
	cmd.Flags().String("metrics-addr", "", WrapString("If set, serve Prometheus metrics over HTTP on this address, at /metrics"))

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	logger, err := newLogger(v, cmd)
	if err != nil {
		return err
	}

	server, err := netpool.NewServer(
		netpool.WithName("netreactor-echo"),
		netpool.WithWorkers(v.GetInt("workers")),
		netpool.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	addr, err := server.ListenTCP(v.GetString("addr"), echoHandler())
	if err != nil {
		_ = server.Close()
		return err
	}

	var metricsServer *http.Server
	if metricsAddr := v.GetString("metrics-addr"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			server.WritePrometheus(w)
		})
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err().
					Err(err).
					Str("addr", metricsAddr).
					Log(`metrics server failed`)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
	logger.Info().
		Stringer("addr", addr).
		Int("workers", v.GetInt("workers")).
		Log(`echo server started`)

	err = server.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info().Log(`echo server stopped`)

	return err
}
