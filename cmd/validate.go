package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/recorder/internal/config"
)

var validatePrint bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate the configuration file given with --config without starting
a capture. With --print the effective configuration, defaults and environment
overrides included, is written to stdout as YAML.

Examples:
  recorder validate -c recorder.yml
  recorder validate -c recorder.yml --print`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "INVALID: %v\n", err)
			return err
		}
		if validatePrint {
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}
		psk, _ := cfg.Decoder.PNet.PSK()
		fmt.Fprintf(cmd.OutOrStdout(), "VALID: source %s, %d port(s), pnet %t, sink %s, %d worker(s)\n",
			cfg.Capture.Source,
			len(cfg.Capture.Ports),
			psk != nil,
			cfg.Sink.Type,
			cfg.Pipeline.Workers,
		)
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration as YAML")
}
