package main

import (
	"fmt"

	"github.com/arzzra/mediacore/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and print the effective values",
	Long: `Validate the configuration file and environment without opening sockets.

Examples:
  rtprelay validate -c mediacore.yaml
  MEDIACORE_RTP_PORT_START=20000 rtprelay validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "VALID: ports %d-%d, nat=%t, strict_dtmf=%t, dtmf_timeout=%d\n",
			cfg.RTP.PortStart, cfg.RTP.PortEnd, cfg.RTP.NAT, cfg.RTP.StrictDTMF, cfg.RTP.DTMFTimeout)
		fmt.Fprintf(out, "       log=%s/%s, metrics=%q, bridge poll=%s timeout=%s\n",
			cfg.Log.Level, cfg.Log.Format, cfg.Metrics.Listen, cfg.Bridge.PollInterval, cfg.Bridge.Timeout)
		return nil
	},
}
