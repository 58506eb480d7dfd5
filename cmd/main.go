package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	grpcapi "live-vision-service/internal/api/grpc"
	"live-vision-service/internal/app"
	"live-vision-service/internal/config"
	"live-vision-service/internal/device"
	"live-vision-service/internal/events"
	httpapi "live-vision-service/internal/http"
	"live-vision-service/internal/observability"
	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/coordinator"
	"live-vision-service/internal/service/diag"
	"live-vision-service/internal/service/frame"
	"live-vision-service/internal/service/live"
	"live-vision-service/internal/service/live/gemini"
	"live-vision-service/internal/service/live/mock"
	"live-vision-service/internal/service/state"
)

func main() {
	flags := new(config.Flags).AddFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	flags.Apply(cfg)

	application := app.New(cfg)
	if err := run(application); err != nil {
		application.Logger.Fatal().Err(err).Msg("Service stopped with error")
	}
}

func run(application *app.Application) error {
	cfg := application.Cfg
	m := metrics.DefaultMetrics

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create Kafka publisher with separate topics for state and diagnostic events
	publisher := events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		StateTopic:       cfg.Kafka.StateTopic,
		DiagnosticsTopic: cfg.Kafka.DiagnosticsTopic,
		Principal:        cfg.Kafka.Principal,
	})
	defer publisher.Close()

	diagnostics := events.NewDiagnosticSink(publisher, 0)
	defer diagnostics.Close()

	bridge := device.NewBridge(cfg.Live.MicQueueDepth, cfg.Live.SpeakerQueueDepth)
	defer bridge.Close()

	transport, err := newTransport(ctx, cfg, bridge)
	if err != nil {
		return err
	}

	coord := coordinator.New(transport, coordinator.Options{
		MinInterval: cfg.Frames.MinInterval,
		Encoder: &frame.JPEGEncoder{
			Quality:   cfg.Frames.JPEGQuality,
			MaxWidth:  cfg.Frames.MaxWidth,
			MaxHeight: cfg.Frames.MaxHeight,
		},
		SendTimeout:     cfg.Frames.SendTimeout,
		ConnectTimeout:  cfg.Live.ConnectTimeout,
		StarvationAfter: cfg.Frames.StarvationWarnAfter,
		QueueSize:       cfg.Service.QueueSize,
		Live: live.Config{
			Model:             cfg.Live.Model,
			Voice:             cfg.Live.Voice,
			SystemInstruction: cfg.Live.SystemInstruction,
			InputSampleRate:   cfg.Live.InputSampleRate,
			ConnectTimeout:    cfg.Live.ConnectTimeout,
		},
		PrimingMessage: cfg.Live.PrimingMessage,
		Sink:           diag.Multi{diag.NewLogSink(log.Logger), diagnostics},
		Log:            log.Logger,
		Metrics:        m,
	})

	workerDone := make(chan error, 1)
	go func() { workerDone <- coord.Run(ctx) }()

	stateWatcher := coord.Subscribe()
	go events.RelayStates(ctx, stateWatcher, coord.SessionID, publisher)

	// gRPC: health + reflection
	grpcServer := grpcapi.New(m)
	healthWatcher := coord.Subscribe()
	go grpcServer.TrackState(ctx, healthWatcher)
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		return err
	}

	obs := observability.NewServer(":"+cfg.Service.MetricsPort, func() bool {
		return !application.StartupTime.IsZero() && !coord.State().Is(state.Error)
	})
	obs.Start()

	httpServer := &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: httpapi.NewRouter(application, coord, httpapi.Options{
			Bridge:         bridge,
			SyncTimeout:    cfg.Live.ConnectTimeout + 5*time.Second,
			MaxUploadBytes: cfg.Frames.MaxUploadBytes,
			Log:            log.Logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	application.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownWait)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	grpcServer.Stop()
	if err := coord.Close(); err != nil {
		log.Warn().Err(err).Msg("Coordinator close")
	}
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Session worker stopped with error")
	}
	stateWatcher.Close()
	healthWatcher.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Observability server shutdown")
	}
	return nil
}

// newTransport selects the live transport. The Gemini transport reads the
// microphone from and plays model audio into the device bridge.
func newTransport(ctx context.Context, cfg *config.Config, bridge *device.Bridge) (live.Transport, error) {
	switch strings.ToLower(cfg.Live.Provider) {
	case "mock":
		log.Warn().Msg("Using mock live transport, no model is contacted")
		return mock.New(), nil
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:   firstNonEmpty(cfg.Live.APIKey, os.Getenv("GEMINI_API_KEY")),
			Backend:  cfg.Live.Backend,
			Project:  cfg.Live.Project,
			Location: cfg.Live.Location,
			Source:   bridge,
			Sink:     bridge,
			Log:      log.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown live provider %q", cfg.Live.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
