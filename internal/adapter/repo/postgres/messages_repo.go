package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// MessageRepo persists inbound messages for window selection.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// Save stores one inbound message; redelivery of the same id is a no-op.
func (r *MessageRepo) Save(ctx domain.Context, m domain.Message) error {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Save")
	defer span.End()
	var attachments []byte
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("op=messages.save: %w", err)
		}
		attachments = b
	}
	q := `INSERT INTO messages (chat_jid, external_id, sender, sender_name, content, ts, is_from_me, attachments)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (chat_jid, external_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, m.Timestamp, m.IsFromMe, attachments)
	if err != nil {
		return fmt.Errorf("op=messages.save: %w", err)
	}
	return nil
}

// ListSince returns messages for a chat strictly after ts, ordered by
// (timestamp, id) so within-group processing order is stable.
func (r *MessageRepo) ListSince(ctx domain.Context, chatJID string, since time.Time) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.ListSince")
	defer span.End()
	q := `SELECT chat_jid, external_id, sender, sender_name, content, ts, is_from_me, attachments
		FROM messages WHERE chat_jid=$1 AND ts > $2 ORDER BY ts, external_id`
	rows, err := r.Pool.Query(ctx, q, chatJID, since)
	if err != nil {
		return nil, fmt.Errorf("op=messages.list_since: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var attachments []byte
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.IsFromMe, &attachments); err != nil {
			return nil, fmt.Errorf("op=messages.list_since: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("op=messages.list_since: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=messages.list_since: %w", err)
	}
	return out, nil
}
