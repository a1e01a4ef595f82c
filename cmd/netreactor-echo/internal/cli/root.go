package cli

import (
	"fmt"
	"os"

	"github.com/joeycumines/go-netreactor"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.1.0"
)

// NewRootCommand builds the netreactor-echo command tree. Every flag may
// also be set with a NETREACTOR_<FLAG> environment variable, or in a .env or
// .env.local file.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "netreactor-echo",
		Short: "TCP echo server and client",
		Long: fmt.Sprintf(`netreactor-echo (v%s)

A TCP echo server and round-trip client, built on the netreactor
asynchronous I/O core.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			initConfig(v)
			return bindFlags(v, cmd)
		},
	}

	key := "log-level"
	root.PersistentFlags().String(key, "info", WrapString("Log level (trace, debug, info, notice, warn, error, crit, off)"))

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newPingCommand(v))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of netreactor-echo",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "netreactor-echo v%s\n", Version)
		},
	})

	return root
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the logger configured by the log-level flag, writing to
// the command's error stream.
func newLogger(v *viper.Viper, cmd *cobra.Command) (*logiface.Logger[logiface.Event], error) {
	level, err := netreactor.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	if level == logiface.LevelDisabled {
		return nil, nil
	}
	return netreactor.NewLogger(cmd.ErrOrStderr(), level), nil
}
