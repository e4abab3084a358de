package main

import (
	"io"

	"github.com/arzzra/mediacore/pkg/config"
	"github.com/arzzra/mediacore/pkg/logging"
	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rtprelay",
	Short: "RTP relay on top of the mediacore engine",
	Long: `rtprelay bridges two RTP legs through the mediacore engine.

Media is forwarded without decoding, DTMF events are reconstructed,
RTCP reports are exchanged on port+1 of each leg and Prometheus metrics
are exposed over HTTP when metrics.listen is set.

Configuration is read from a YAML file and MEDIACORE_* environment
variables (MEDIACORE_RTP_PORT_START, MEDIACORE_LOG_LEVEL, ...).`,
	SilenceUsage: true,
	Version:      "0.1.0",
}

// Execute запускает корневую команду
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(dtlsCheckCmd)
}

// setup загружает конфигурацию, настраивает логгер и движок
func setup() (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := rtp.Configure(cfg.Engine()); err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	rtp.SetLoggerFactory(logging.NewPionFactory(logger))
	return cfg, logger, closer, nil
}
