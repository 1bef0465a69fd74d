package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/recorder/internal/config"
	"firestige.xyz/recorder/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record traffic from the configured capture source",
	Long: `Record traffic from the source named in the configuration, normally a live
interface (capture.source: live). Runs until interrupted; SIGHUP reloads the
log settings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return record(cmd, cfg)
	},
}

func record(cmd *cobra.Command, cfg *config.GlobalConfig) error {
	d, err := daemon.New(cfg, daemon.Options{ConfigPath: configFile, PIDFile: pidFile})
	if err != nil {
		return fmt.Errorf("failed to create recorder: %w", err)
	}
	return d.Run(cmd.Context())
}
