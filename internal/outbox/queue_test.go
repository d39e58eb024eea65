package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "outbox.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q *Queue, conv, content string) Message {
	t.Helper()
	msg, err := q.Enqueue(Message{ConversationID: conv, Content: content})
	require.NoError(t, err)
	return msg
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q := openTestQueue(t)

	msg := enqueue(t, q, "conv-a", "hello")
	assert.NotEmpty(t, msg.TempID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Zero(t, msg.RetryCount)

	got, err := q.Get(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "conv-a", got.ConversationID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestEnqueueKeepsCallerTempID(t *testing.T) {
	q := openTestQueue(t)

	msg, err := q.Enqueue(Message{TempID: "my-id", ConversationID: "c", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "my-id", msg.TempID)

	// Same temp ID twice is a conflict, not a silent overwrite.
	_, err = q.Enqueue(Message{TempID: "my-id", ConversationID: "c", Content: "y"})
	assert.Error(t, err)
}

func TestRetryDemotesAtBudget(t *testing.T) {
	q := openTestQueue(t)
	msg := enqueue(t, q, "conv-a", "hello")

	for want := 1; want <= 2; want++ {
		got, err := q.IncrementRetry(msg.TempID)
		require.NoError(t, err)
		assert.Equal(t, want, got.RetryCount)
		assert.Equal(t, StatusPending, got.Status)
	}

	// Third failure hits the budget and demotes in the same statement.
	got, err := q.IncrementRetry(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, StatusFailed, got.Status)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestResetRetryRearmsFailedMessage(t *testing.T) {
	q := openTestQueue(t)
	msg := enqueue(t, q, "conv-a", "hello")

	for i := 0; i < 3; i++ {
		_, err := q.IncrementRetry(msg.TempID)
		require.NoError(t, err)
	}
	require.NoError(t, q.ResetRetry(msg.TempID))

	got, err := q.Get(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestDequeueRemovesMessage(t *testing.T) {
	q := openTestQueue(t)
	msg := enqueue(t, q, "conv-a", "hello")

	require.NoError(t, q.Dequeue(msg.TempID))
	_, err := q.Get(msg.TempID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Dequeue(msg.TempID), ErrNotFound)
}

func TestMissingMessageErrors(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.IncrementRetry("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.ResetRetry("nope"), ErrNotFound)
	assert.ErrorIs(t, q.MarkFailed("nope"), ErrNotFound)
}

func TestQueriesOrderAndFilter(t *testing.T) {
	q := openTestQueue(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i, conv := range []string{"conv-a", "conv-a", "conv-b", "conv-a"} {
		_, err := q.Enqueue(Message{
			ConversationID: conv,
			Content:        "m",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	all, err := q.All()
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	convA, err := q.ByConversation("conv-a")
	require.NoError(t, err)
	assert.Len(t, convA, 3)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestClearConversationLeavesOthers(t *testing.T) {
	q := openTestQueue(t)
	enqueue(t, q, "conv-a", "1")
	enqueue(t, q, "conv-a", "2")
	enqueue(t, q, "conv-a", "3")
	keep := enqueue(t, q, "conv-b", "4")

	require.NoError(t, q.ClearConversation("conv-a"))

	all, err := q.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.TempID, all[0].TempID)

	require.NoError(t, q.Clear())
	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	q, err := Open(path, 3)
	require.NoError(t, err)
	msg := enqueue(t, q, "conv-a", "durable")
	require.NoError(t, q.Close())

	q2, err := Open(path, 3)
	require.NoError(t, err)
	defer q2.Close()

	got, err := q2.Get(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Content)
}

func TestFlushDeliversOldestFirst(t *testing.T) {
	q := openTestQueue(t)
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(Message{
			ConversationID: "conv-a",
			Content:        string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	var delivered []string
	f := NewFlusher(q, func(ctx context.Context, msg Message) error {
		delivered = append(delivered, msg.Content)
		return nil
	})

	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, delivered)

	left, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestFlushRetriesAndEventuallyFails(t *testing.T) {
	q := openTestQueue(t)
	msg := enqueue(t, q, "conv-a", "doomed")

	f := NewFlusher(q, func(ctx context.Context, m Message) error {
		return errors.New("transport down")
	})

	// Each sweep bumps the retry count once; the third demotes to failed.
	for i := 1; i <= 3; i++ {
		_, err := f.Flush(context.Background())
		require.NoError(t, err)
		got, err := q.Get(msg.TempID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}
	got, err := q.Get(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// Failed messages are skipped by later sweeps.
	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err = q.Get(msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
}

func TestFlusherRetryRearmsAndDelivers(t *testing.T) {
	q := openTestQueue(t)
	msg := enqueue(t, q, "conv-a", "second chance")

	fail := true
	f := NewFlusher(q, func(ctx context.Context, m Message) error {
		if fail {
			return errors.New("transport down")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := f.Flush(context.Background())
		require.NoError(t, err)
	}
	got, err := q.Get(msg.TempID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	fail = false
	require.NoError(t, f.Retry(context.Background(), msg.TempID))
	_, err = q.Get(msg.TempID)
	assert.ErrorIs(t, err, ErrNotFound)
}
