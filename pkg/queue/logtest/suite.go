// Package logtest provides a conformance suite for queue.Log implementations.
package logtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cache-intercept/pkg/queue"
)

// Factory returns a fresh, empty log for a single subtest.
type Factory func(t *testing.T) queue.Log

// TestLog runs the conformance suite against logs built by newLog.
func TestLog(t *testing.T, newLog Factory) {
	t.Run("AppendListFIFO", func(t *testing.T) { testFIFO(t, newLog(t)) })
	t.Run("RemoveKeepsOrder", func(t *testing.T) { testRemove(t, newLog(t)) })
	t.Run("RemoveMissing", func(t *testing.T) { testRemoveMissing(t, newLog(t)) })
	t.Run("PayloadRoundTrip", func(t *testing.T) { testPayload(t, newLog(t)) })
}

// NewAction builds an action with a deterministic id.
func NewAction(id string, kind queue.Kind) queue.Action {
	return queue.Action{
		ID:          id,
		Kind:        kind,
		Payload:     []byte(fmt.Sprintf(`{"id":%q}`, id)),
		ContentType: "application/json",
		EnqueuedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ids(t *testing.T, l queue.Log) []string {
	t.Helper()
	actions, err := l.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func expectIDs(t *testing.T, l queue.Log, want ...string) {
	t.Helper()
	got := ids(t, l)
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func testFIFO(t *testing.T, l queue.Log) {
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := l.Append(ctx, NewAction(fmt.Sprintf("a%02d", i), queue.KindAnalyticsEvent)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	want := make([]string, 12)
	for i := range want {
		want[i] = fmt.Sprintf("a%02d", i)
	}
	expectIDs(t, l, want...)

	n, err := l.Len(ctx)
	if err != nil || n != 12 {
		t.Errorf("Len() = %d, %v; want 12", n, err)
	}
}

func testRemove(t *testing.T, l queue.Log) {
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		l.Append(ctx, NewAction(id, queue.KindUserInteraction))
	}

	if err := l.Remove(ctx, "A"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	expectIDs(t, l, "B", "C")

	l.Append(ctx, NewAction("D", queue.KindUserInteraction))
	expectIDs(t, l, "B", "C", "D")

	if n, _ := l.Len(ctx); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
}

func testRemoveMissing(t *testing.T, l queue.Log) {
	if err := l.Remove(context.Background(), "nope"); !errors.Is(err, queue.ErrActionNotFound) {
		t.Errorf("Expected ErrActionNotFound, got %v", err)
	}
}

func testPayload(t *testing.T, l queue.Log) {
	ctx := context.Background()
	in := NewAction("p", queue.KindPriceSyncRequest)
	in.Payload = []byte{0, 1, 2, 0xff}
	if err := l.Append(ctx, in); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	actions, err := l.List(ctx)
	if err != nil || len(actions) != 1 {
		t.Fatalf("List() = %v, %v", actions, err)
	}
	out := actions[0]
	if out.Kind != in.Kind || out.ContentType != in.ContentType || !out.EnqueuedAt.Equal(in.EnqueuedAt) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Errorf("Payload = %v, want %v", out.Payload, in.Payload)
	}
}
