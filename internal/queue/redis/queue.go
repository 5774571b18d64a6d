package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
)

const defaultPopTimeout = 5 * time.Second

// Queue is a redis-backed transfer queue using the reliable-list pattern:
// Enqueue pushes onto the main list, Dequeue atomically moves the oldest
// intent to a processing list, and Ack or DeadLetter removes it from there.
// An intent a crashed consumer left on the processing list is put back by
// RecoverPending at startup.
type Queue struct {
	client     *redis.Client
	key        string
	processing string
	deadLetter string
	popTimeout time.Duration

	mu       sync.Mutex
	reserved map[string][]byte // transaction id -> raw payload on the processing list
}

func NewQueue(client *redis.Client, key string) *Queue {
	return &Queue{
		client:     client,
		key:        key,
		processing: key + ":processing",
		deadLetter: key + ":dead",
		popTimeout: defaultPopTimeout,
		reserved:   make(map[string][]byte),
	}
}

func (q *Queue) Enqueue(ctx context.Context, intent models.TransferIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push intent: %w", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (models.TransferIntent, error) {
	data, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.popTimeout).Result()
	if err == redis.Nil {
		return models.TransferIntent{}, interfaces.ErrNoIntent
	}
	if err != nil {
		return models.TransferIntent{}, fmt.Errorf("pop intent: %w", err)
	}

	var intent models.TransferIntent
	if err := json.Unmarshal([]byte(data), &intent); err != nil {
		// Unparseable payloads cannot be settled; park them for inspection.
		q.client.LPush(ctx, q.deadLetter, data)
		q.client.LRem(ctx, q.processing, 1, data)
		return models.TransferIntent{}, fmt.Errorf("unmarshal intent: %w", err)
	}

	q.mu.Lock()
	q.reserved[intent.TransactionID] = []byte(data)
	q.mu.Unlock()

	return intent, nil
}

func (q *Queue) Ack(ctx context.Context, intent models.TransferIntent) error {
	data, err := q.take(intent)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.processing, 1, data).Err()
}

func (q *Queue) DeadLetter(ctx context.Context, intent models.TransferIntent) error {
	data, err := q.take(intent)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.deadLetter, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return q.client.LRem(ctx, q.processing, 1, data).Err()
}

// take returns the raw payload a Dequeue reserved for the intent. After a
// restart the reservation map is empty, so it falls back to re-marshaling;
// TransferIntent round-trips byte-identically through encoding/json.
func (q *Queue) take(intent models.TransferIntent) ([]byte, error) {
	q.mu.Lock()
	data, ok := q.reserved[intent.TransactionID]
	if ok {
		delete(q.reserved, intent.TransactionID)
	}
	q.mu.Unlock()

	if ok {
		return data, nil
	}
	return json.Marshal(intent)
}

// RecoverPending moves intents stranded on the processing list back onto the
// main queue. Call once at startup, before workers run.
func (q *Queue) RecoverPending(ctx context.Context) (int, error) {
	recovered := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("recover pending: %w", err)
		}
		recovered++
	}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

var _ interfaces.TransferQueue = (*Queue)(nil)
