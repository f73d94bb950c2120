package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/repository"
)

type messageRepository struct {
	BaseRepository
}

func NewMessageRepository(db *sqlx.DB) repository.MessageRepository {
	return &messageRepository{NewBaseRepository(db)}
}

// Append inserts the message with the next per-flow sequence number. The
// subselect runs inside the insert so concurrent appends to the same thread
// serialize on the unique (flow_id, seq) index rather than on a Go-side lock.
func (r *messageRepository) Append(ctx context.Context, msg *model.FlowMessage) error {
	query := `
		INSERT INTO flow_messages (id, flow_id, sender, text, seq, created_at)
		SELECT $1, $2, $3, $4, COALESCE(MAX(seq), 0) + 1, $5
		FROM flow_messages
		WHERE flow_id = $2
		RETURNING seq
	`
	err := r.db.GetContext(ctx, &msg.Seq, query,
		msg.ID,
		msg.FlowID,
		msg.Sender,
		msg.Text,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append flow message: %w", err)
	}
	return nil
}

func (r *messageRepository) List(ctx context.Context, flowID uuid.UUID) ([]*model.FlowMessage, error) {
	query := `
		SELECT id, flow_id, sender, text, seq, created_at
		FROM flow_messages
		WHERE flow_id = $1
		ORDER BY seq ASC
	`
	var messages []*model.FlowMessage
	if err := r.db.SelectContext(ctx, &messages, query, flowID); err != nil {
		return nil, fmt.Errorf("failed to list flow messages: %w", err)
	}
	return messages, nil
}
