package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/mediacore/pkg/bridge"
	"github.com/arzzra/mediacore/pkg/config"
	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	listenHost string
	peerA      string
	peerB      string
	ptime      int
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay media between two RTP peers",
	Long: `
Open an RTP/RTCP port pair for each leg and bridge the legs.

Examples:
  rtprelay relay --peer-a 10.0.0.1:4000 --peer-b 10.0.0.2:6000
  rtprelay relay -c mediacore.yaml --listen 192.168.1.10 --peer-a 10.0.0.1:4000 --peer-b 10.0.0.2:6000
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cfg, logger)
	},
}

func init() {
	relayCmd.Flags().StringVar(&listenHost, "listen", "0.0.0.0", "local address for RTP ports")
	relayCmd.Flags().StringVar(&peerA, "peer-a", "", "RTP address of the first peer")
	relayCmd.Flags().StringVar(&peerB, "peer-b", "", "RTP address of the second peer")
	relayCmd.Flags().IntVar(&ptime, "ptime", 0, "outgoing packet duration in ms, 0 for codec default")
	relayCmd.MarkFlagRequired("peer-a")
	relayCmd.MarkFlagRequired("peer-b")
}

// relayLeg сессия плеча с каналом управления
type relayLeg struct {
	session  *rtp.Session
	leg      *bridge.SessionLeg
	reporter *rtp.Reporter
}

func runRelay(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	entry := logger.WithField("component", "rtprelay")

	if cfg.Metrics.Listen != "" {
		stopMetrics := serveMetrics(cfg.Metrics, entry)
		defer stopMetrics()
	}

	capture, closeCapture, err := openCapture(cfg)
	if err != nil {
		return err
	}
	defer closeCapture()

	tracer := sdktrace.NewTracerProvider()
	defer tracer.Shutdown(context.Background())
	ctx, span := tracer.Tracer("rtprelay").Start(ctx, "relay")
	defer span.End()

	a, err := openLeg("a", peerA, capture, span, logger)
	if err != nil {
		return err
	}
	defer a.session.Close()
	b, err := openLeg("b", peerB, capture, span, logger)
	if err != nil {
		return err
	}
	defer b.session.Close()

	a.leg.Start(ctx)
	defer a.leg.Stop()
	b.leg.Start(ctx)
	defer b.leg.Stop()

	for _, l := range []*relayLeg{a, b} {
		go func(l *relayLeg) {
			if err := l.reporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Warn("Канал управления остановлен")
			}
		}(l)
	}

	entry.WithFields(logrus.Fields{
		"a": a.session.LocalAddr().String(),
		"b": b.session.LocalAddr().String(),
	}).Info("Плечи открыты")

	controller := bridge.NewController(cfg.Controller(logger.WithField("component", "bridge")))
	err = controller.Relay(ctx, a.leg, b.leg, cfg.Bridge.Timeout)
	entry.Info("Пересылка завершена")
	return err
}

func openLeg(name, peer string, capture *rtp.Capture, span trace.Span, logger *logrus.Logger) (*relayLeg, error) {
	remote, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес плеча %s: %w", name, err)
	}

	media, control, err := rtp.ListenPair(listenHost, rtp.UDPConfig{
		Symmetric:      rtp.CurrentConfig().NAT,
		ReceiveTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("плечо %s: %w", name, err)
	}
	media.SetPeer(remote)
	control.SetPeer(&net.UDPAddr{IP: remote.IP, Port: remote.Port + 1, Zone: remote.Zone})

	entry := logger.WithFields(logrus.Fields{"component": "rtp", "leg": name})
	sink := rtp.MultiSink{rtp.NewLogSink(entry), rtp.PrometheusSink{}, rtp.TraceSink{Span: span}}

	session, err := rtp.NewSession(rtp.SessionConfig{
		Transport: media,
		Control:   control,
		Logger:    entry,
		Sink:      sink,
		Capture:   capture,
		Ptime:     ptime,
	})
	if err != nil {
		media.Close()
		control.Close()
		return nil, err
	}

	leg, err := bridge.NewSessionLeg(bridge.SessionLegConfig{
		Name:   name,
		Audio:  session,
		Logger: logger.WithField("component", "bridge"),
		OnIndicate: func(c rtp.ControlType) {
			entry.WithField("control", c.String()).Debug("Индикация плечу")
		},
	})
	if err != nil {
		session.Close()
		return nil, err
	}
	return &relayLeg{session: session, leg: leg, reporter: rtp.NewReporter(session, sink, entry)}, nil
}

func openCapture(cfg *config.Config) (*rtp.Capture, func(), error) {
	if cfg.RTP.CaptureFile == "" {
		return nil, func() {}, nil
	}
	f, err := os.Create(cfg.RTP.CaptureFile)
	if err != nil {
		return nil, nil, fmt.Errorf("не удалось создать файл дампа: %w", err)
	}
	capture, err := rtp.NewCapture(f, cfg.RTP.DebugAddress)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return capture, func() { f.Close() }, nil
}

func serveMetrics(cfg config.MetricsConfig, logger *logrus.Entry) func() {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Ошибка HTTP сервера метрик")
		}
	}()
	logger.WithField("listen", cfg.Listen).Info("Метрики доступны по HTTP")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}
