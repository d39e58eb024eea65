package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message delivery states.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when no queued message matches the temp ID.
var ErrNotFound = errors.New("outbox: message not found")

// Message is one undelivered chat message.
type Message struct {
	TempID         string    `json:"temp_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	RetryCount     int       `json:"retry_count"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Enqueue stores a new pending message. A missing TempID is filled with a
// fresh UUID. Returns the stored message.
func (q *Queue) Enqueue(msg Message) (Message, error) {
	if msg.TempID == "" {
		msg.TempID = uuid.NewString()
	}
	msg.RetryCount = 0
	msg.Status = StatusPending
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.Exec(`
		INSERT INTO queued_messages (temp_id, conversation_id, content, retry_count, status, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		msg.TempID, msg.ConversationID, msg.Content, StatusPending, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: enqueue %s: %w", msg.TempID, err)
	}
	return msg, nil
}

// IncrementRetry bumps the retry count for tempID. Reaching the retry budget
// demotes the message to failed inside the same statement, so concurrent
// sweeps can never lose the demotion.
func (q *Queue) IncrementRetry(tempID string) (Message, error) {
	res, err := q.db.Exec(`
		UPDATE queued_messages
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END
		WHERE temp_id = ?`,
		q.maxRetries, StatusFailed, tempID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: increment retry %s: %w", tempID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, ErrNotFound
	}
	return q.Get(tempID)
}

// MarkFailed demotes a message to failed regardless of its retry count.
func (q *Queue) MarkFailed(tempID string) error {
	return q.setStatus(tempID, StatusFailed, -1)
}

// ResetRetry returns a message to pending with a zeroed retry count
// (user-initiated retry).
func (q *Queue) ResetRetry(tempID string) error {
	return q.setStatus(tempID, StatusPending, 0)
}

func (q *Queue) setStatus(tempID, status string, retryCount int) error {
	var (
		res sql.Result
		err error
	)
	if retryCount >= 0 {
		res, err = q.db.Exec(
			`UPDATE queued_messages SET status = ?, retry_count = ? WHERE temp_id = ?`,
			status, retryCount, tempID,
		)
	} else {
		res, err = q.db.Exec(
			`UPDATE queued_messages SET status = ? WHERE temp_id = ?`,
			status, tempID,
		)
	}
	if err != nil {
		return fmt.Errorf("outbox: update %s: %w", tempID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Dequeue removes a message after confirmed delivery.
func (q *Queue) Dequeue(tempID string) error {
	res, err := q.db.Exec(`DELETE FROM queued_messages WHERE temp_id = ?`, tempID)
	if err != nil {
		return fmt.Errorf("outbox: dequeue %s: %w", tempID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single message by temp ID.
func (q *Queue) Get(tempID string) (Message, error) {
	row := q.db.QueryRow(`
		SELECT temp_id, conversation_id, content, retry_count, status, created_at
		FROM queued_messages WHERE temp_id = ?`, tempID)

	var msg Message
	err := row.Scan(&msg.TempID, &msg.ConversationID, &msg.Content,
		&msg.RetryCount, &msg.Status, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("outbox: get %s: %w", tempID, err)
	}
	return msg, nil
}

// All returns every queued message, oldest first.
func (q *Queue) All() ([]Message, error) {
	return q.query(`SELECT temp_id, conversation_id, content, retry_count, status, created_at
		FROM queued_messages ORDER BY created_at, temp_id`)
}

// ByConversation returns all queued messages for one conversation, oldest first.
func (q *Queue) ByConversation(conversationID string) ([]Message, error) {
	return q.query(`SELECT temp_id, conversation_id, content, retry_count, status, created_at
		FROM queued_messages WHERE conversation_id = ? ORDER BY created_at, temp_id`,
		conversationID)
}

// Pending returns messages still eligible for automatic delivery.
func (q *Queue) Pending() ([]Message, error) {
	return q.query(`SELECT temp_id, conversation_id, content, retry_count, status, created_at
		FROM queued_messages WHERE status = ? ORDER BY created_at, temp_id`,
		StatusPending)
}

// Failed returns messages that exhausted their retry budget or were marked
// failed explicitly.
func (q *Queue) Failed() ([]Message, error) {
	return q.query(`SELECT temp_id, conversation_id, content, retry_count, status, created_at
		FROM queued_messages WHERE status = ? ORDER BY created_at, temp_id`,
		StatusFailed)
}

// Len returns the number of queued messages.
func (q *Queue) Len() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queued_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return n, nil
}

// Clear removes every queued message.
func (q *Queue) Clear() error {
	_, err := q.db.Exec(`DELETE FROM queued_messages`)
	if err != nil {
		return fmt.Errorf("outbox: clear: %w", err)
	}
	return nil
}

// ClearConversation removes every queued message for one conversation.
func (q *Queue) ClearConversation(conversationID string) error {
	_, err := q.db.Exec(`DELETE FROM queued_messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("outbox: clear conversation %s: %w", conversationID, err)
	}
	return nil
}

func (q *Queue) query(stmt string, args ...any) ([]Message, error) {
	rows, err := q.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.TempID, &msg.ConversationID, &msg.Content,
			&msg.RetryCount, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
