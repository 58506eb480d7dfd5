package config

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override, e.g. LIVE_VISION_LIVE_API_KEY.
const EnvPrefix = "LIVE_VISION"

// DefaultFile is looked up in the search dirs when no explicit path is given.
const DefaultFile = "config.yaml"

type Config struct {
	Service       Service       `fig:"service"`
	Live          Live          `fig:"live"`
	Frames        Frames        `fig:"frames"`
	Kafka         Kafka         `fig:"kafka"`
	Observability Observability `fig:"observability"`
}

type Service struct {
	Name         string        `fig:"name" default:"live-vision-service"`
	Env          string        `fig:"env" default:"dev"`
	HTTPPort     string        `fig:"http_port" default:"8080"`
	GRPCPort     string        `fig:"grpc_port" default:"50051"`
	MetricsPort  string        `fig:"metrics_port" default:"9090"`
	QueueSize    int           `fig:"queue_size" default:"8"`
	ShutdownWait time.Duration `fig:"shutdown_wait" default:"10s"`
}

type Live struct {
	// Provider is "gemini" or "mock".
	Provider string `fig:"provider" default:"mock"`
	Model    string `fig:"model" default:"gemini-2.5-flash-native-audio-preview-12-2025"`
	APIKey   string `fig:"api_key"`
	// Backend is "gemini" (API key) or "vertex" (project + location).
	Backend           string        `fig:"backend" default:"gemini"`
	Project           string        `fig:"project"`
	Location          string        `fig:"location" default:"us-central1"`
	Voice             string        `fig:"voice" default:"Erinome"`
	SystemInstruction string        `fig:"system_instruction" default:"You are a real-time visual assistant for blind users. Always describe the latest video frame. Keep responses to one or two sentences. Warn immediately about obstacles, doors, people nearby and physical danger."`
	PrimingMessage    string        `fig:"priming_message" default:"Hello. Greet the user and describe the current scene to get started."`
	ConnectTimeout    time.Duration `fig:"connect_timeout" default:"15s"`
	InputSampleRate   int           `fig:"input_sample_rate" default:"16000"`
	OutputSampleRate  int           `fig:"output_sample_rate" default:"24000"`
	MicQueueDepth     int           `fig:"mic_queue_depth" default:"32"`
	SpeakerQueueDepth int           `fig:"speaker_queue_depth" default:"64"`
}

type Frames struct {
	MinInterval         time.Duration `fig:"min_interval" default:"1500ms"`
	JPEGQuality         int           `fig:"jpeg_quality" default:"60"`
	MaxWidth            int           `fig:"max_width" default:"480"`
	MaxHeight           int           `fig:"max_height" default:"360"`
	SendTimeout         time.Duration `fig:"send_timeout" default:"10s"`
	StarvationWarnAfter uint64        `fig:"starvation_warn_after" default:"10"`
	MaxUploadBytes      int64         `fig:"max_upload_bytes" default:"8388608"`
}

type Kafka struct {
	Enabled          bool     `fig:"enabled"`
	Brokers          []string `fig:"brokers" default:"[localhost:9092]"`
	StateTopic       string   `fig:"state_topic" default:"live.session.state"`
	DiagnosticsTopic string   `fig:"diagnostics_topic" default:"live.session.diagnostics"`
	Principal        string   `fig:"principal" default:"svc-live-vision"`
}

type Observability struct {
	LogLevel  string `fig:"log_level" default:"info"`
	LogFormat string `fig:"log_format" default:"json"`
}

// Flags are the command line options of the service binary.
type Flags struct {
	ConfigPath string
	Provider   string
	LogLevel   string
}

// AddFlags registers the service flags on fs.
func (f *Flags) AddFlags(fs *pflag.FlagSet) *Flags {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Path to a configuration file (default: search for "+DefaultFile+")")
	fs.StringVar(&f.Provider, "provider", "", "Override live.provider: gemini or mock")
	fs.StringVar(&f.LogLevel, "log-level", "", "Override observability.log_level")
	return f
}

// Load reads the configuration from a YAML file and LIVE_VISION_* environment
// variables, environment taking precedence. With an empty path the default
// file is searched for in the working directory and configs/; a missing
// default file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	opts := []fig.Option{fig.UseEnv(EnvPrefix)}
	if path != "" {
		opts = append(opts, fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path)))
	} else {
		opts = append(opts, fig.File(DefaultFile), fig.Dirs(".", "configs"))
	}

	err := fig.Load(&cfg, opts...)
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		cfg = Config{}
		err = fig.Load(&cfg, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Apply copies non-empty flag overrides into the configuration.
func (f *Flags) Apply(cfg *Config) {
	if f.Provider != "" {
		cfg.Live.Provider = f.Provider
	}
	if f.LogLevel != "" {
		cfg.Observability.LogLevel = f.LogLevel
	}
}
