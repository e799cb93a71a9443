package chat

import (
	"strings"
	"testing"
	"time"
)

func TestMessageList_AppendDeduplicates(t *testing.T) {
	l := NewMessageList()

	if _, ok := l.Append(msgAt("m1", 0)); !ok {
		t.Fatal("expected first append to succeed")
	}
	for i := 0; i < 3; i++ {
		if _, ok := l.Append(msgAt("m1", time.Duration(i)*time.Second)); ok {
			t.Fatalf("duplicate append %d was accepted", i)
		}
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", l.Len())
	}
}

func TestMessageList_AppendRejectsEmptyID(t *testing.T) {
	l := NewMessageList()
	if _, ok := l.Append(Message{Content: "no id"}); ok {
		t.Fatal("expected message without id to be rejected")
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty list, got %d", l.Len())
	}
}

func TestMessageList_AppendKeepsOrder(t *testing.T) {
	l := NewMessageList()
	l.Append(msgAt("m1", 1*time.Second))
	l.Append(msgAt("m3", 3*time.Second))

	idx, ok := l.Append(msgAt("m2", 2*time.Second))
	if !ok {
		t.Fatal("expected append to succeed")
	}
	if idx != 1 {
		t.Errorf("expected late message at index 1, got %d", idx)
	}

	idx, _ = l.Append(msgAt("m4", 4*time.Second))
	if idx != 3 {
		t.Errorf("expected newest message at tail index 3, got %d", idx)
	}

	got := ids(l.Snapshot())
	want := []string{"m1", "m2", "m3", "m4"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMessageList_EqualTimestampsAppendAtTail(t *testing.T) {
	l := NewMessageList()
	l.Append(msgAt("a", 0))
	l.Append(msgAt("b", 0))
	l.Append(msgAt("c", 0))

	if got := strings.Join(ids(l.Snapshot()), ","); got != "a,b,c" {
		t.Errorf("expected arrival order a,b,c, got %s", got)
	}
}

func TestMessageList_Remove(t *testing.T) {
	l := NewMessageList()
	l.Append(msgAt("m1", 0))
	l.Append(msgAt("m2", time.Second))

	if !l.Remove("m1") {
		t.Fatal("expected remove to report true")
	}
	if l.Remove("m1") {
		t.Error("expected second remove to report false")
	}
	if l.Contains("m1") {
		t.Error("m1 still present")
	}
	// A removed id may come back, e.g. after a reload.
	if _, ok := l.Append(msgAt("m1", 0)); !ok {
		t.Error("expected re-append after remove to succeed")
	}
}

func TestMessageList_ReconcileKeepsRacingInserts(t *testing.T) {
	l := NewMessageList()
	l.Append(msgAt("m1", 1*time.Second))
	l.Append(msgAt("m2", 2*time.Second))

	mark := l.Mark()
	// Arrives live while the reload is in flight.
	l.Append(msgAt("m3", 3*time.Second))

	// m1 was deleted by another session; the fetched page also already
	// contains m3.
	l.Reconcile([]Message{msgAt("m2", 2*time.Second), msgAt("m3", 3*time.Second)}, mark)

	got := ids(l.Snapshot())
	want := []string{"m2", "m3"}
	if !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMessageList_ReconcileDeduplicatesHistory(t *testing.T) {
	l := NewMessageList()
	l.Reconcile([]Message{msgAt("m1", 0), msgAt("m1", 0), msgAt("m2", time.Second)}, l.Mark())
	if l.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", l.Len())
	}
}

func TestMessageList_SnapshotIsCopy(t *testing.T) {
	l := NewMessageList()
	if snap := l.Snapshot(); snap == nil {
		t.Fatal("expected non-nil empty snapshot")
	}
	l.Append(msgAt("m1", 0))
	snap := l.Snapshot()
	snap[0].Content = "changed"
	if l.Snapshot()[0].Content == "changed" {
		t.Error("snapshot shares storage with the list")
	}
}
