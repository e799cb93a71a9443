package chat

import (
	"context"
	"errors"
	"testing"
)

type countingOpener struct {
	opens   int
	closes  int
	deliver func(string)
	ctx     context.Context
}

func (o *countingOpener) open(ctx context.Context, deliver func(string)) (func(), error) {
	o.opens++
	o.ctx = ctx
	o.deliver = deliver
	return func() { o.closes++ }, nil
}

func TestArena_ShareFansOut(t *testing.T) {
	a := NewArena[string](PolicyShare)
	op := &countingOpener{}

	var gotA, gotB []string
	la, err := a.Acquire("messages", op.open, func(v string) { gotA = append(gotA, v) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lb, err := a.Acquire("messages", op.open, func(v string) { gotB = append(gotB, v) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if op.opens != 1 {
		t.Fatalf("expected one underlying subscription, got %d", op.opens)
	}
	if a.Holders("messages") != 2 {
		t.Fatalf("expected 2 holders, got %d", a.Holders("messages"))
	}

	op.deliver("m1")
	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("expected both holders to receive, got %v and %v", gotA, gotB)
	}

	la.Release()
	la.Release()
	if op.closes != 0 {
		t.Fatal("subscription closed while still held")
	}
	op.deliver("m2")
	if len(gotA) != 1 || len(gotB) != 2 {
		t.Errorf("released holder still receives: %v / %v", gotA, gotB)
	}

	lb.Release()
	if op.closes != 1 {
		t.Errorf("expected subscription closed once, got %d", op.closes)
	}
	if op.ctx.Err() == nil {
		t.Error("expected handle context to be cancelled on last release")
	}
	if a.Holders("messages") != 0 {
		t.Errorf("expected no holders, got %d", a.Holders("messages"))
	}
}

func TestArena_ExclusiveRejectsSecondHolder(t *testing.T) {
	a := NewArena[string](PolicyExclusive)
	op := &countingOpener{}

	l, err := a.Acquire("typing", op.open, func(string) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Acquire("typing", op.open, func(string) {}); !errors.Is(err, ErrChannelHeld) {
		t.Fatalf("expected ErrChannelHeld, got %v", err)
	}
	// Other names are independent.
	if _, err := a.Acquire("messages", op.open, func(string) {}); err != nil {
		t.Fatalf("unexpected error for a different name: %v", err)
	}

	l.Release()
	if _, err := a.Acquire("typing", op.open, func(string) {}); err != nil {
		t.Errorf("expected acquire after release to succeed, got %v", err)
	}
}

func TestArena_OpenFailure(t *testing.T) {
	a := NewArena[string](PolicyShare)
	failing := func(context.Context, func(string)) (func(), error) { return nil, errBoom }

	if _, err := a.Acquire("messages", failing, func(string) {}); !errors.Is(err, errBoom) {
		t.Fatalf("expected open error, got %v", err)
	}
	if a.Holders("messages") != 0 {
		t.Error("failed open left a handle behind")
	}

	op := &countingOpener{}
	if _, err := a.Acquire("messages", op.open, func(string) {}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if op.opens != 1 {
		t.Errorf("expected a fresh open, got %d", op.opens)
	}
}
