package chat

import (
	"context"
	"testing"
	"time"
)

func TestHistoryLoader_AscendingOrder(t *testing.T) {
	clock := newFakeClock()
	table := newFakeTable(clock,
		msgAt("m2", 2*time.Second),
		msgAt("m1", 1*time.Second),
		msgAt("m4", 4*time.Second),
		msgAt("m3", 3*time.Second),
	)
	loader := NewHistoryLoader(table, nil, clock)

	got := loader.Load(context.Background(), 3)

	want := []string{"m2", "m3", "m4"}
	if !equalStrings(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Errorf("history not ascending at %d", i)
		}
	}
}

func TestHistoryLoader_DefaultLimit(t *testing.T) {
	clock := newFakeClock()
	table := newFakeTable(clock)
	loader := NewHistoryLoader(table, nil, clock)

	loader.Load(context.Background(), 0)
	loader.Load(context.Background(), -5)

	if len(table.limits) != 2 || table.limits[0] != DefaultHistoryLimit || table.limits[1] != DefaultHistoryLimit {
		t.Errorf("expected limit %d twice, got %v", DefaultHistoryLimit, table.limits)
	}
}

func TestHistoryLoader_FailureReturnsEmpty(t *testing.T) {
	clock := newFakeClock()
	table := newFakeTable(clock, msgAt("m1", 0))
	table.recentErr = errBoom
	rep := newRecordingReporter()
	loader := NewHistoryLoader(table, rep, clock)

	got := loader.Load(context.Background(), 10)
	if got == nil {
		t.Fatal("expected non-nil empty slice on failure")
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages, got %d", len(got))
	}
	if ops := rep.ops(); len(ops) != 1 || ops[0] != "history.load" {
		t.Errorf("expected one history.load report, got %v", ops)
	}
}
