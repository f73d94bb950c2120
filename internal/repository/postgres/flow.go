package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/repository"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
)

type flowRepository struct {
	BaseRepository
}

func NewFlowRepository(db *sqlx.DB) repository.FlowRepository {
	return &flowRepository{NewBaseRepository(db)}
}

func (r *flowRepository) Create(ctx context.Context, flow *model.Flow) error {
	query := `
		INSERT INTO flows (
			id, caller_id, responder_id, action_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		flow.ID,
		flow.CallerID,
		flow.ResponderID,
		flow.ActionType,
		flow.Status,
		flow.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

func (r *flowRepository) Get(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	query := `
		SELECT id, caller_id, responder_id, action_type, status, response, created_at, answered_at
		FROM flows
		WHERE id = $1
	`
	var flow model.Flow
	err := r.db.GetContext(ctx, &flow, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("flow", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return &flow, nil
}

func (r *flowRepository) GetWithMessages(ctx context.Context, id uuid.UUID) (*model.Flow, []*model.FlowMessage, error) {
	flow, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT id, flow_id, sender, text, seq, created_at
		FROM flow_messages
		WHERE flow_id = $1
		ORDER BY seq ASC
	`
	var messages []*model.FlowMessage
	if err := r.db.SelectContext(ctx, &messages, query, id); err != nil {
		return nil, nil, fmt.Errorf("failed to list flow messages: %w", err)
	}
	return flow, messages, nil
}

// Transition commits pending → to with a compare-and-set on status. Only the
// first writer sees a row come back from the guarded UPDATE; everyone else
// re-reads the committed row and reports committed = false.
func (r *flowRepository) Transition(ctx context.Context, id uuid.UUID, to model.FlowStatus, response *model.FlowResponse) (*model.Flow, bool, error) {
	if !to.Terminal() {
		return nil, false, fmt.Errorf("transition target %q is not terminal", to)
	}

	query := `
		UPDATE flows
		SET status = $2, response = $3, answered_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING id, caller_id, responder_id, action_type, status, response, created_at, answered_at
	`
	var flow model.Flow
	err := r.db.GetContext(ctx, &flow, query, id, to, response, time.Now())
	if err == nil {
		return &flow, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to transition flow: %w", err)
	}

	// Either the flow is already terminal or it does not exist; Get
	// distinguishes the two.
	committed, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return committed, false, nil
}

func (r *flowRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Flow, error) {
	query := `
		SELECT id, caller_id, responder_id, action_type, status, response, created_at, answered_at
		FROM flows
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at ASC
	`
	var flows []*model.Flow
	if err := r.db.SelectContext(ctx, &flows, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list pending flows: %w", err)
	}
	return flows, nil
}

func (r *flowRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flows WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending flows: %w", err)
	}
	return count, nil
}

// DeleteTerminalBefore keys retention on answered_at — the moment the flow
// left pending — so a flow answered late in its window is not archived early.
func (r *flowRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM flow_messages
			WHERE flow_id IN (
				SELECT id FROM flows WHERE status <> 'pending' AND answered_at < $1
			)
		`, before); err != nil {
			return fmt.Errorf("failed to delete archived threads: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM flows WHERE status <> 'pending' AND answered_at < $1
		`, before)
		if err != nil {
			return fmt.Errorf("failed to delete archived flows: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
