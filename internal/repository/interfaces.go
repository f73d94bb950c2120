package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
)

// FlowRepository owns the flow record. Transition is the only mutation of
// status and applies a compare-and-set on status = pending, so concurrent
// respond/deadline writers race safely: exactly one commits.
type FlowRepository interface {
	Create(ctx context.Context, flow *model.Flow) error
	Get(ctx context.Context, id uuid.UUID) (*model.Flow, error)
	GetWithMessages(ctx context.Context, id uuid.UUID) (*model.Flow, []*model.FlowMessage, error)

	// Transition attempts pending → to. It returns the row as committed and
	// whether this call was the writer that committed it. A false return with
	// a nil error means the row was already terminal (the caller lost the
	// race); the returned flow carries the winning status.
	Transition(ctx context.Context, id uuid.UUID, to model.FlowStatus, response *model.FlowResponse) (*model.Flow, bool, error)

	// ListPendingOlderThan returns pending flows created at or before cutoff,
	// for the server-side deadline sweep.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Flow, error)

	CountPending(ctx context.Context) (int64, error)

	// DeleteTerminalBefore archives terminal flows (and their threads) that
	// left pending before the retention cutoff. Get on an archived id reports
	// NotFound.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// MessageRepository owns the append-only per-flow message log.
type MessageRepository interface {
	// Append stores the message, assigning the next per-flow sequence number.
	Append(ctx context.Context, msg *model.FlowMessage) error
	List(ctx context.Context, flowID uuid.UUID) ([]*model.FlowMessage, error)
}

// OutboxRepository owns pending push deliveries.
type OutboxRepository interface {
	Create(ctx context.Context, event *model.OutboxEvent) error
	GetPendingWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}
