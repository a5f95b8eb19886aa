package node

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Node.
type Option func(*Node)

// WithID sets the node ID used in logs, spans and errors. By default the ID is
// taken from the config when it has a NodeID method.
func WithID(id string) Option {
	return func(n *Node) { n.id = id }
}

// WithClock sets the clock used to stamp items.
func WithClock(clock func() time.Time) Option {
	return func(n *Node) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithTracer sets the tracer used for per-item spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(n *Node) {
		if tracer != nil {
			n.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithInputNormalization controls whether a textual, structured-looking input
// payload is decoded when the item arrives. Enabled by default.
func WithInputNormalization(enabled bool) Option {
	return func(n *Node) { n.normalizeInput = enabled }
}
