package app

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"live-vision-service/internal/config"
	"live-vision-service/internal/observability/logging"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit log output.
func NewWithWriter(cfg *config.Config, out io.Writer) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger(out)

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Live vision service application created")
	return a
}

// setupLogger configures zerolog for the service. A dev environment always
// logs to the console.
func (a *Application) setupLogger(out io.Writer) {
	lc := logging.DefaultConfig()
	lc.Service = a.Cfg.Service.Name
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		lc.Format = "console"
	}

	logging.InitWriter(lc, out)
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", lc.Format).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("provider", a.Cfg.Live.Provider).
		Str("model", a.Cfg.Live.Model).
		Msg("Live vision service starting")

	return nil
}

// Uptime reports how long the service has been serving.
func (a *Application) Uptime() time.Duration {
	if a.StartupTime.IsZero() {
		return 0
	}
	return time.Since(a.StartupTime)
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().
		Dur("uptime", a.Uptime()).
		Msg("Live vision service shutting down")
}
