package cmd

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"firestige.xyz/recorder/internal/config"
)

var (
	replaySink  string
	replayPorts []uint
)

var replayCmd = &cobra.Command{
	Use:   "replay <pcap>",
	Short: "Decode a pcap or pcapng capture file",
	Long: `Decode a capture file and exit when it is exhausted.

Examples:
  recorder replay trace.pcapng
  recorder replay -c recorder.yml --sink leveldb trace.pcap
  recorder replay --ports 8302,8303 trace.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg.Capture.Source = "pcap"
		cfg.Capture.Path = args[0]
		if cmd.Flags().Changed("sink") {
			cfg.Sink.Type = replaySink
		}
		if cmd.Flags().Changed("ports") {
			cfg.Capture.Ports = cfg.Capture.Ports[:0]
			for _, p := range replayPorts {
				if p > math.MaxUint16 {
					return fmt.Errorf("invalid port %d", p)
				}
				cfg.Capture.Ports = append(cfg.Capture.Ports, uint16(p))
			}
		}
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}
		return record(cmd, cfg)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySink, "sink", "", "sink type overriding the configuration (console, leveldb, kafka)")
	replayCmd.Flags().UintSliceVar(&replayPorts, "ports", nil, "TCP ports carrying libp2p traffic (empty list keeps every port)")
}
