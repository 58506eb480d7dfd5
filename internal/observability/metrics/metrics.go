// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_vision"

// Frame rejection reasons used as label values.
const (
	RejectNotConnected = "not_connected"
	RejectBusy         = "busy"
	RejectPaused       = "paused"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection state metrics
	StateTransitions *prometheus.CounterVec
	ConnectionState  prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsLost     prometheus.Counter

	// Frame pipeline metrics
	FramesReceived  prometheus.Counter
	FramesThrottled prometheus.Counter
	FramesRejected  *prometheus.CounterVec
	FramesSent      prometheus.Counter
	FramesFailed    *prometheus.CounterVec
	FrameBytes      prometheus.Histogram
	FrameLatency    prometheus.Histogram
	BusyDropStreak  prometheus.Gauge

	// Conversation metrics
	ConversationsStarted  prometheus.Counter
	ConversationsFailed   prometheus.Counter
	ConversationsStopped  prometheus.Counter
	FunctionCallsRefused  *prometheus.CounterVec
	Interruptions         prometheus.Counter
	PrimingFailures       prometheus.Counter
	MicChunksSent         prometheus.Counter
	SpeakerChunksReceived prometheus.Counter
	SpeakerBytesReceived  prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection state metrics
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of applied connection state transitions",
		}, []string{"from", "to"}),
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected 1=ready 2=connecting 3=connected 4=error)",
		}),
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of remote live sessions opened",
		}),
		SessionsLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_lost_total",
			Help:      "Total number of remote live sessions that ended unexpectedly",
		}),

		// Frame pipeline metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total camera frames submitted to the coordinator",
		}),
		FramesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_throttled_total",
			Help:      "Total frames discarded by the throttler",
		}),
		FramesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Total frames rejected by the upload guard",
		}, []string{"reason"}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames transmitted to the live session",
		}),
		FramesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_failed_total",
			Help:      "Total frames that failed to encode or transmit",
		}, []string{"stage"}),
		FrameBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_encoded_bytes",
			Help:      "Size of encoded frames in bytes",
			Buckets:   []float64{4096, 8192, 16384, 32768, 65536, 131072, 262144},
		}),
		FrameLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_send_latency_seconds",
			Help:      "Time spent encoding and transmitting a frame",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		BusyDropStreak: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_busy_drop_streak",
			Help:      "Consecutive frames dropped because a transmission was in flight",
		}),

		// Conversation metrics
		ConversationsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_started_total",
			Help:      "Total duplex audio conversations started",
		}),
		ConversationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_failed_total",
			Help:      "Total duplex audio conversations that failed to start",
		}),
		ConversationsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_stopped_total",
			Help:      "Total duplex audio conversations stopped",
		}),
		FunctionCallsRefused: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_refused_total",
			Help:      "Total function calls from the model that were refused",
		}, []string{"name"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total model turns interrupted by user speech",
		}),
		PrimingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priming_failures_total",
			Help:      "Total priming messages that failed to send",
		}),
		MicChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mic_chunks_sent_total",
			Help:      "Total microphone audio chunks sent to the live session",
		}),
		SpeakerChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_chunks_received_total",
			Help:      "Total audio chunks received from the live session",
		}),
		SpeakerBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_bytes_received_total",
			Help:      "Total audio bytes received from the live session",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// gRPC metrics
		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total gRPC calls handled",
		}, []string{"method", "code"}),
	}
}

// RecordTransition records an applied state transition and the new state value.
func (m *Metrics) RecordTransition(from, to string, toValue int) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
	m.ConnectionState.Set(float64(toValue))
}

// RecordSessionOpened records a new remote session.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
}

// RecordSessionLost records a remote session that ended on its own.
func (m *Metrics) RecordSessionLost() {
	m.SessionsLost.Inc()
}

// RecordFrameReceived records a frame entering the pipeline.
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameThrottled records a frame dropped by the throttler.
func (m *Metrics) RecordFrameThrottled() {
	m.FramesThrottled.Inc()
}

// RecordFrameRejected records a frame rejected by the upload guard.
func (m *Metrics) RecordFrameRejected(reason string) {
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// RecordFrameSent records a successfully transmitted frame.
func (m *Metrics) RecordFrameSent(bytes int, latencySeconds float64) {
	m.FramesSent.Inc()
	m.FrameBytes.Observe(float64(bytes))
	m.FrameLatency.Observe(latencySeconds)
}

// RecordFrameFailed records a frame that failed at the given stage (encode, send).
func (m *Metrics) RecordFrameFailed(stage string) {
	m.FramesFailed.WithLabelValues(stage).Inc()
}

// SetBusyDropStreak sets the current busy drop streak.
func (m *Metrics) SetBusyDropStreak(n uint64) {
	m.BusyDropStreak.Set(float64(n))
}

// RecordConversationStarted records a conversation start attempt result.
func (m *Metrics) RecordConversationStarted(err error) {
	if err != nil {
		m.ConversationsFailed.Inc()
		return
	}
	m.ConversationsStarted.Inc()
}

// RecordConversationStopped records a conversation stop.
func (m *Metrics) RecordConversationStopped() {
	m.ConversationsStopped.Inc()
}

// RecordFunctionCallRefused records a refused function call.
func (m *Metrics) RecordFunctionCallRefused(name string) {
	m.FunctionCallsRefused.WithLabelValues(name).Inc()
}

// RecordInterruption records a barge-in.
func (m *Metrics) RecordInterruption() {
	m.Interruptions.Inc()
}

// RecordPrimingFailure records a failed priming message.
func (m *Metrics) RecordPrimingFailure() {
	m.PrimingFailures.Inc()
}

// RecordMicChunk records a microphone chunk sent upstream.
func (m *Metrics) RecordMicChunk() {
	m.MicChunksSent.Inc()
}

// RecordSpeakerChunk records a model audio chunk received.
func (m *Metrics) RecordSpeakerChunk(bytes int) {
	m.SpeakerChunksReceived.Inc()
	m.SpeakerBytesReceived.Add(float64(bytes))
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a handled gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}
