// Package gemini implements the live session transport on the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/live"
)

// Backends accepted in Config.Backend.
const (
	BackendGemini = "gemini"
	BackendVertex = "vertex"
)

// Config configures the Gemini transport.
type Config struct {
	APIKey   string
	Backend  string
	Project  string
	Location string

	// Source feeds microphone audio while a conversation runs. Optional.
	Source live.AudioSource
	// Sink plays model audio. Optional.
	Sink live.AudioSink

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Transport opens Gemini Live sessions.
type Transport struct {
	client *genai.Client
	cfg    Config
	log    zerolog.Logger
}

// New creates a Gemini client for the configured backend.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	cc := &genai.ClientConfig{}
	switch strings.ToLower(cfg.Backend) {
	case "", BackendGemini:
		if cfg.APIKey == "" {
			return nil, errors.New("gemini backend requires an API key")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	case BackendVertex:
		if cfg.Project == "" || cfg.Location == "" {
			return nil, errors.New("vertex backend requires project and location")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	default:
		return nil, fmt.Errorf("unknown gemini backend %q", cfg.Backend)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	return &Transport{
		client: client,
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "gemini").Logger(),
	}, nil
}

// Connect opens a live session with audio responses.
func (t *Transport) Connect(ctx context.Context, lc live.Config) (live.Session, error) {
	if lc.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lc.ConnectTimeout)
		defer cancel()
	}

	t.log.Info().Str("model", lc.Model).Str("voice", lc.Voice).Msg("Connecting to live model")
	conn, err := t.client.Live.Connect(ctx, lc.Model, connectConfig(lc))
	if err != nil {
		return nil, fmt.Errorf("connect live model %s: %w", lc.Model, err)
	}
	return newSession(conn, sessionConfig{
		inputRate: lc.InputSampleRate,
		source:    t.cfg.Source,
		sink:      t.cfg.Sink,
		log:       t.log,
		metrics:   t.cfg.Metrics,
	}), nil
}

func connectConfig(lc live.Config) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if lc.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: lc.Voice},
			},
		}
	}
	if lc.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: lc.SystemInstruction}},
		}
	}
	return cfg
}
