package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
)

// Queue is an in-memory transfer queue mirroring the redis backend's
// reserve/ack semantics for tests and local development. Dequeue emulates a
// blocking pop with a short wait. EnqueueErr can be set by tests to simulate
// an unavailable backend.
type Queue struct {
	mu       sync.Mutex
	items    []models.TransferIntent
	reserved map[string]models.TransferIntent
	dead     []models.TransferIntent
	closed   bool

	EnqueueErr error
}

func NewQueue() *Queue {
	return &Queue{
		reserved: make(map[string]models.TransferIntent),
	}
}

func (q *Queue) Enqueue(ctx context.Context, intent models.TransferIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}
	if q.closed {
		return errors.New("queue closed")
	}
	q.items = append(q.items, intent)
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (models.TransferIntent, error) {
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			intent := q.items[0]
			q.items = q.items[1:]
			q.reserved[intent.TransactionID] = intent
			q.mu.Unlock()
			return intent, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return models.TransferIntent{}, interfaces.ErrNoIntent
		}
		select {
		case <-ctx.Done():
			return models.TransferIntent{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *Queue) Ack(ctx context.Context, intent models.TransferIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.reserved, intent.TransactionID)
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, intent models.TransferIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.reserved, intent.TransactionID)
	q.dead = append(q.dead, intent)
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

// Len reports how many intents are waiting, not counting reservations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reserved reports how many intents are dequeued but not yet acked.
func (q *Queue) Reserved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reserved)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []models.TransferIntent {
	q.mu.Lock()
	defer q.mu.Unlock()

	copied := make([]models.TransferIntent, len(q.dead))
	copy(copied, q.dead)
	return copied
}

var _ interfaces.TransferQueue = (*Queue)(nil)
