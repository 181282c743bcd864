package queue

import (
	"context"

	"github.com/iago/painel-back/internal/domain"
)

// Producer sends report refresh requests to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives refresh requests and executes handlers. A handler error
// schedules a retry until the backend's attempt limit is reached.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
