package outbox

import (
	"context"
	"log"
	"sync"
)

// DeliverFunc attempts to deliver one queued message. A nil error confirms
// delivery; any error counts against the message's retry budget.
type DeliverFunc func(ctx context.Context, msg Message) error

// Flusher drains pending messages through a delivery function. It is wired to
// the signaling client's reconnect notification so queued messages go out as
// soon as the transport comes back.
type Flusher struct {
	queue   *Queue
	deliver DeliverFunc

	mu sync.Mutex // one sweep at a time
}

// NewFlusher creates a flusher over queue using deliver.
func NewFlusher(queue *Queue, deliver DeliverFunc) *Flusher {
	return &Flusher{queue: queue, deliver: deliver}
}

// Flush sweeps all pending messages once, oldest first. Delivered messages
// are dequeued; failures increment the retry count (demoting at the budget).
// Failed messages are skipped; they wait for an explicit user retry.
// Returns the number of messages delivered.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending, err := f.queue.Pending()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		if err := f.deliver(ctx, msg); err != nil {
			updated, ierr := f.queue.IncrementRetry(msg.TempID)
			if ierr != nil {
				log.Printf("OUTBOX: retry bookkeeping for %s failed: %v", msg.TempID, ierr)
				continue
			}
			if updated.Status == StatusFailed {
				log.Printf("OUTBOX: %s exhausted retries, marked failed", msg.TempID)
			} else {
				log.Printf("OUTBOX: delivery of %s failed (attempt %d): %v",
					msg.TempID, updated.RetryCount, err)
			}
			continue
		}

		if err := f.queue.Dequeue(msg.TempID); err != nil {
			log.Printf("OUTBOX: dequeue %s after delivery failed: %v", msg.TempID, err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		log.Printf("OUTBOX: flushed %d message(s)", delivered)
	}
	return delivered, nil
}

// Retry resets one failed message to pending and sweeps immediately.
func (f *Flusher) Retry(ctx context.Context, tempID string) error {
	if err := f.queue.ResetRetry(tempID); err != nil {
		return err
	}
	_, err := f.Flush(ctx)
	return err
}
