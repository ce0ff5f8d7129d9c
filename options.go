package searchrag

import (
	"log/slog"

	"github.com/mariusxmarius-guzi/excel-search-rag/index/flat"
	"github.com/mariusxmarius-guzi/excel-search-rag/index/hnsw"
	"github.com/mariusxmarius-guzi/excel-search-rag/index/ivf"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	flatOptions      []func(*flat.Options)
	clusteredOptions []func(*ivf.Options)
	graphOptions     []func(*hnsw.Options)
}

// Option configures Retriever constructor/load behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// The default logger discards all output.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. The default collector discards all metrics.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metricsCollector = mc
		}
	}
}

// WithFlatOptions passes tuning options to a Flat index.
// Ignored for other variants.
func WithFlatOptions(optFns ...func(*flat.Options)) Option {
	return func(o *options) {
		o.flatOptions = append(o.flatOptions, optFns...)
	}
}

// WithClusteredOptions passes tuning options to a Clustered index
// (partition count, probes). Ignored for other variants.
func WithClusteredOptions(optFns ...func(*ivf.Options)) Option {
	return func(o *options) {
		o.clusteredOptions = append(o.clusteredOptions, optFns...)
	}
}

// WithGraphOptions passes tuning options to a Graph index (connectivity,
// search beam width). Ignored for other variants.
func WithGraphOptions(optFns ...func(*hnsw.Options)) Option {
	return func(o *options) {
		o.graphOptions = append(o.graphOptions, optFns...)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
