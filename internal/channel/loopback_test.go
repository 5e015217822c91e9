package channel

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/models"
)

func newTestLoopback() *Loopback {
	l := NewLoopback(zerolog.Nop())
	l.delay = time.Millisecond
	return l
}

func TestLoopbackEchoesPublishes(t *testing.T) {
	l := newTestLoopback()
	ctx := context.Background()

	if err := l.Connect(ctx, &models.Descriptor{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	got := make(chan Event, 1)
	if err := l.Subscribe(ctx, "s1", func(ev Event) { got <- ev }); err != nil {
		t.Fatal(err)
	}

	if err := l.PublishMessage(ctx, "s1", "Alice", "hello", 1234); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.Type != EventMessage || ev.Sender != "Alice" || ev.Content != "hello" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("publish was not looped back")
	}
}

func TestLoopbackSubscribeIdempotent(t *testing.T) {
	l := newTestLoopback()
	ctx := context.Background()

	got := make(chan Event, 4)
	h := func(ev Event) { got <- ev }

	if err := l.Subscribe(ctx, "s1", h); err != nil {
		t.Fatal(err)
	}
	if err := l.Subscribe(ctx, "s1", h); err != nil {
		t.Fatal(err)
	}

	if err := l.PublishSystemEvent(ctx, "s1", SystemJoined, "Bob"); err != nil {
		t.Fatal(err)
	}

	// One delivery, not two.
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("duplicate delivery after double subscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackScopedBySession(t *testing.T) {
	l := newTestLoopback()
	ctx := context.Background()

	got := make(chan Event, 1)
	if err := l.Subscribe(ctx, "s1", func(ev Event) { got <- ev }); err != nil {
		t.Fatal(err)
	}

	if err := l.PublishMessage(ctx, "other", "Mallory", "hi", 1); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		t.Fatalf("event for another session delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackUnsubscribeStopsDelivery(t *testing.T) {
	l := newTestLoopback()
	ctx := context.Background()

	got := make(chan Event, 1)
	if err := l.Subscribe(ctx, "s1", func(ev Event) { got <- ev }); err != nil {
		t.Fatal(err)
	}
	l.Unsubscribe("s1")

	if err := l.PublishMessage(ctx, "s1", "Alice", "hello", 1); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		t.Fatalf("event delivered after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
