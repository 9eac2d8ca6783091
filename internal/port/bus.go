package port

import "github.com/arturoeanton/strategy-pipeline/internal/domain"

// EventPublisher delivers change notifications. Publish never blocks on subscribers.
type EventPublisher interface {
	Publish(evt domain.PhaseEvent)
}

// EventSource hands out per-snapshot notification streams. Delivery is
// at-least-once with no cross-snapshot ordering. The returned cancel func
// must be called to release the subscription.
type EventSource interface {
	Subscribe(snapshotID string) (<-chan domain.PhaseEvent, func())
}
