package contracts

import "log/slog"

// ObservabilitySink receives operational events from every component.
// Record is fire-and-forget and must never block the hot path; slow sinks
// should buffer or drop internally.
type ObservabilitySink interface {
	Record(event string, fields map[string]any)
}

// NoOpSink discards all events.
type NoOpSink struct{}

// Record does nothing.
func (NoOpSink) Record(event string, fields map[string]any) {}

// SlogSink writes events to a structured logger at debug level.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

// Record implements ObservabilitySink.
func (s *SlogSink) Record(event string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	s.Logger.Debug(event, args...)
}
