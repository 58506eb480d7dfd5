package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-vision-service/internal/models"
)

// ErrUnknownEvent is returned for messages whose eventType is not a session event.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is a decoded session event. Exactly one of State and Diagnostic is set.
type Envelope struct {
	EventType  string                    `json:"eventType"`
	Topic      string                    `json:"topic"`
	State      *models.SessionStateEvent `json:"state,omitempty"`
	Diagnostic *models.DiagnosticEvent   `json:"diagnostic,omitempty"`
}

// ConsumerConfig configures Consume.
type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	// Since replays messages newer than now minus Since. Zero reads only new messages.
	Since time.Duration
}

// Decode parses a published session event. The eventType header, when
// present, wins over the payload's own field.
func Decode(msg kafka.Message) (Envelope, error) {
	var probe struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(msg.Value, &probe); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	eventType := probe.EventType
	for _, h := range msg.Headers {
		if h.Key == "eventType" {
			switch string(h.Value) {
			case "state":
				eventType = models.EventTypeState
			case "diagnostic":
				eventType = models.EventTypeDiagnostic
			}
		}
	}

	env := Envelope{EventType: eventType, Topic: msg.Topic}
	switch eventType {
	case models.EventTypeState:
		env.State = &models.SessionStateEvent{}
		if err := json.Unmarshal(msg.Value, env.State); err != nil {
			return Envelope{}, fmt.Errorf("decode state event: %w", err)
		}
	case models.EventTypeDiagnostic:
		env.Diagnostic = &models.DiagnosticEvent{}
		if err := json.Unmarshal(msg.Value, env.Diagnostic); err != nil {
			return Envelope{}, fmt.Errorf("decode diagnostic event: %w", err)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	return env, nil
}

// Consume reads every configured topic and hands decoded events to handle
// until ctx is done. handle may be called from several goroutines.
func Consume(ctx context.Context, cfg ConsumerConfig, handle func(Envelope)) {
	var wg sync.WaitGroup
	for _, topic := range cfg.Topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			consumeTopic(ctx, cfg, topic, handle)
		}(topic)
	}
	wg.Wait()
}

func consumeTopic(ctx context.Context, cfg ConsumerConfig, topic string, handle func(Envelope)) {
	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if cfg.Since > 0 {
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-cfg.Since)); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Could not rewind, reading new messages only")
		}
	} else if err := reader.SetOffset(kafka.LastOffset); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not seek to the end of the topic")
	}

	log.Info().Str("topic", topic).Dur("since", cfg.Since).Msg("Consuming session events")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := Decode(msg)
		if err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("Skipping message")
			continue
		}
		handle(env)
	}
}
