package interfaces

import (
	"context"
	"errors"

	"github.com/settleq/settleq/internal/models"
)

// ErrNoIntent signals an empty queue, as opposed to a backend failure.
var ErrNoIntent = errors.New("no intent available")

// TransferQueue is the durable hand-off between intake and the settlement
// worker. Delivery is at-least-once: a dequeued intent stays reserved until
// it is acked or dead-lettered, so a consumer crash redelivers it rather
// than losing it.
type TransferQueue interface {
	// Enqueue durably persists the intent before returning.
	Enqueue(ctx context.Context, intent models.TransferIntent) error

	// Dequeue reserves and returns the oldest available intent. It blocks
	// briefly when the queue is idle and returns ErrNoIntent on timeout.
	Dequeue(ctx context.Context) (models.TransferIntent, error)

	// Ack releases a reserved intent after it reached a terminal state.
	Ack(ctx context.Context, intent models.TransferIntent) error

	// DeadLetter moves a reserved intent to the dead-letter holding area
	// for manual intervention and releases the reservation.
	DeadLetter(ctx context.Context, intent models.TransferIntent) error

	Close() error
}
