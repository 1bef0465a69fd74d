// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	pidFile    string
)

var rootCmd = &cobra.Command{
	Use:   "recorder",
	Short: "Passive recorder for Mina libp2p traffic",
	Long: `recorder decodes captured libp2p connections of Mina nodes without taking
part in them. Each TCP connection is peeled through the private network layer,
the Noise handshake, multistream-select and the stream multiplexer, and every
application message found inside is written to the configured sink.

Decrypting Noise sessions needs the local node's ephemeral secrets, supplied as
key files or captured randomness.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}
