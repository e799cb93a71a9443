package chat

import (
	"context"
	"sort"
)

// DefaultHistoryLimit is the number of messages loaded when none is given.
const DefaultHistoryLimit = 50

// HistoryLoader fetches the most recent messages in ascending order.
type HistoryLoader struct {
	table    MessageTable
	reporter Reporter
	clock    Clock
}

// NewHistoryLoader creates a loader over table. A nil reporter discards
// errors.
func NewHistoryLoader(table MessageTable, reporter Reporter, clock Clock) *HistoryLoader {
	if reporter == nil {
		reporter = NopReporter()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &HistoryLoader{table: table, reporter: reporter, clock: clock}
}

// Load returns the newest limit messages, oldest first. On failure the
// error is reported and an empty slice is returned so the chat can still
// render.
func (h *HistoryLoader) Load(ctx context.Context, limit int) []Message {
	msgs, err := h.fetch(ctx, limit)
	if err != nil {
		h.reporter.Recovered("history.load", err)
		return []Message{}
	}
	return msgs
}

func (h *HistoryLoader) fetch(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	start := h.clock.Now()
	rows, err := h.table.Recent(ctx, limit)
	if err != nil {
		return nil, &BackendError{Op: "load history", Err: err}
	}

	out := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
	}
	// Rows sharing a timestamp keep the backend's order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	record(h.reporter, func(r Recorder) { r.HistoryLoaded(h.clock.Now().Sub(start), len(out)) })
	return out, nil
}
