package audit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestPublisher(t *testing.T) {
	t.Run("events are stamped and drained to the sink", func(t *testing.T) {
		sink := &recordingSink{}
		pub := NewPublisher(sink, slog.New(slog.DiscardHandler))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go pub.Run(ctx)

		require.NoError(t, pub.Emit(ctx, Event{
			Action:       ActionCredentialUnhealthy,
			CredentialID: "cred-a",
			Detail:       map[string]string{"reason": "invalid_client"},
		}))

		require.Eventually(t, func() bool {
			return len(sink.snapshot()) == 1
		}, time.Second, 10*time.Millisecond)

		got := sink.snapshot()[0]
		assert.NotEmpty(t, got.ID, "emit assigns an event id")
		assert.False(t, got.Timestamp.IsZero(), "emit assigns a timestamp")
		assert.Equal(t, ActionCredentialUnhealthy, got.Action)
		assert.Equal(t, "cred-a", got.CredentialID)
	})

	t.Run("caller-provided id and timestamp are preserved", func(t *testing.T) {
		sink := &recordingSink{}
		pub := NewPublisher(sink, slog.New(slog.DiscardHandler))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go pub.Run(ctx)

		at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		require.NoError(t, pub.Emit(ctx, Event{ID: "fixed", Timestamp: at, Action: ActionPoolExhausted}))

		require.Eventually(t, func() bool {
			return len(sink.snapshot()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, "fixed", sink.snapshot()[0].ID)
		assert.Equal(t, at, sink.snapshot()[0].Timestamp)
	})

	t.Run("a full inbox drops instead of blocking", func(t *testing.T) {
		sink := &recordingSink{}
		pub := NewPublisher(sink, slog.New(slog.DiscardHandler))
		// No Run loop: the inbox only fills.

		ctx := context.Background()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 1000; i++ {
				_ = pub.Emit(ctx, Event{Action: ActionQuotaExceeded})
			}
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Emit blocked on a full inbox")
		}
	})
}
