package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink is where events ultimately land. Implementations: KafkaSink, LogSink.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher accepts events from domain logic and hands them to a background
// worker over a bounded inbox. Emission is non-blocking: when the inbox is
// full the event is dropped with a warning, never stalling a request.
type Publisher struct {
	sink   Sink
	inbox  chan Event
	logger *slog.Logger
}

func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{
		sink:   sink,
		inbox:  make(chan Event, 256),
		logger: logger,
	}
}

// Emit stamps and enqueues the event.
func (p *Publisher) Emit(_ context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit inbox full, dropping event", "action", event.Action)
	}
	return nil
}

// Run drains the inbox into the sink until the context is canceled. Sink
// failures are logged and skipped; the audit trail is best-effort.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.inbox:
			if err := p.sink.Append(ctx, event); err != nil {
				p.logger.Warn("audit sink append failed",
					"action", event.Action,
					"error", err,
				)
			}
		}
	}
}

// LogSink writes events to the structured log. Fallback when no brokers are
// configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, event Event) error {
	s.Logger.InfoContext(ctx, "audit event",
		"audit_id", event.ID,
		"action", event.Action,
		"credential_id", event.CredentialID,
		"detail", event.Detail,
	)
	return nil
}
