package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tkaczmarek/arcade/internal/chat"
)

// ChatHistoryRepository stores the chat transcript and serves the replay
// window for newly joined connections. It implements chat.HistoryStore.
type ChatHistoryRepository struct {
	db *pgxpool.Pool
}

// NewChatHistoryRepository creates a ChatHistoryRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewChatHistoryRepository(db *pgxpool.Pool) *ChatHistoryRepository {
	return &ChatHistoryRepository{db: db}
}

// Append persists one chat message.
func (r *ChatHistoryRepository) Append(ctx context.Context, msg chat.Message) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO chat_messages (sender, content, sent_at, kind)
		 VALUES ($1, $2, $3, $4)`,
		msg.Sender, msg.Content, msg.Timestamp, string(msg.Type),
	)
	if err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest messages in chronological order,
// oldest first, so a client can render them as received.
func (r *ChatHistoryRepository) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT sender, content, sent_at, kind
		 FROM chat_messages
		 ORDER BY sent_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			kind string
		)
		if err := rows.Scan(&m.Sender, &m.Content, &m.Timestamp, &kind); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		m.Type = chat.Kind(kind)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chat history: %w", err)
	}

	// The query walks newest-first; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
