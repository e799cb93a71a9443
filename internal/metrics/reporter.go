package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Reporter logs and counts what the chat core reports. It implements
// chat.Recorder.
type Reporter struct {
	log zerolog.Logger
}

// NewReporter returns a Reporter logging through logger.
func NewReporter(logger zerolog.Logger) *Reporter {
	return &Reporter{log: logger.With().Str("component", "chat").Logger()}
}

// Recovered logs err and counts it under op.
func (r *Reporter) Recovered(op string, err error) {
	RecoveredTotal.WithLabelValues(op).Inc()
	r.log.Warn().Err(err).Str("op", op).Msg("recovered")
}

// Delivered counts one live insert delivered through path.
func (r *Reporter) Delivered(path string) {
	DeliveriesTotal.WithLabelValues(path).Inc()
}

// Sent counts one send attempt.
func (r *Reporter) Sent(result string) {
	SendsTotal.WithLabelValues(result).Inc()
}

// TypingBroadcast counts one typing broadcast.
func (r *Reporter) TypingBroadcast(isTyping bool) {
	state := "idle"
	if isTyping {
		state = "typing"
	}
	TypingBroadcastsTotal.WithLabelValues(state).Inc()
}

// HistoryLoaded records one history fetch of n messages.
func (r *Reporter) HistoryLoaded(d time.Duration, n int) {
	HistoryLoadDuration.Observe(d.Seconds())
	r.log.Debug().Dur("took", d).Int("messages", n).Msg("history loaded")
}
