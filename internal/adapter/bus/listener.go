package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/lib/pq"
)

// Channel is the Postgres NOTIFY channel carrying pipeline events.
const Channel = "pipeline_events"

const pingInterval = 90 * time.Second

// Listener bridges Postgres LISTEN/NOTIFY into an EventPublisher.
type Listener struct {
	dsn    string
	out    port.EventPublisher
	logger *slog.Logger
}

// NewListener creates a listener that forwards notifications to out.
func NewListener(dsn string, out port.EventPublisher, logger *slog.Logger) *Listener {
	return &Listener{dsn: dsn, out: out, logger: logger}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("pipeline listener event", "event", int(ev), "error", err)
		}
	})
	defer pl.Close()

	if err := pl.Listen(Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	l.logger.Info("listening for pipeline events", "channel", Channel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pl.Notify:
			if n == nil {
				// Reconnected; anything sent while we were away is lost.
				l.out.Publish(domain.PhaseEvent{Kind: domain.EventKindResync})
				continue
			}
			evt, err := DecodeEvent(n.Extra)
			if err != nil {
				l.logger.Warn("dropping malformed pipeline event", "payload", n.Extra, "error", err)
				continue
			}
			l.out.Publish(evt)
		case <-ticker.C:
			if err := pl.Ping(); err != nil {
				l.logger.Warn("pipeline listener ping failed", "error", err)
			}
		}
	}
}

// EncodeEvent renders the NOTIFY payload for evt.
func EncodeEvent(evt domain.PhaseEvent) (string, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(b), nil
}

// DecodeEvent parses a NOTIFY payload.
func DecodeEvent(payload string) (domain.PhaseEvent, error) {
	var evt domain.PhaseEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return evt, fmt.Errorf("decode event: %w", err)
	}
	if evt.SnapshotID == "" {
		return evt, fmt.Errorf("decode event: missing snapshot_id")
	}
	return evt, nil
}
