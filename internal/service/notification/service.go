// Package notification fans a flow event out to its two delivery paths: an
// outbox row bound for the push gateway (best-effort, never confirmed) and the
// realtime channel via the broker. An offline party simply misses the realtime
// leg; push and polling carry it.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/repository"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/messaging"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

// Dispatcher delivers party-addressed events.
type Dispatcher interface {
	Notify(ctx context.Context, target uuid.UUID, evt *model.Event) error
}

type service struct {
	outbox  repository.OutboxRepository
	broker  messaging.Broker
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(outbox repository.OutboxRepository, broker messaging.Broker, log *logger.Logger, m *metrics.Metrics) Dispatcher {
	return &service{
		outbox:  outbox,
		broker:  broker,
		logger:  log.With("component", "dispatcher"),
		metrics: m,
	}
}

// Notify writes the push outbox row and publishes the realtime leg. The push
// leg is fire-and-forget: a failed outbox write is logged, not returned, so a
// flaky push path never blocks a state transition. The broker leg is returned
// because a dead broker means no instance can reach the party's session.
func (s *service) Notify(ctx context.Context, target uuid.UUID, evt *model.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.outbox.Create(ctx, &model.OutboxEvent{
		EventType:   string(evt.Type),
		TargetParty: target,
		Payload:     payload,
	}); err != nil {
		s.logger.Error(err, "push outbox write failed",
			"event", string(evt.Type), "flow_id", evt.FlowID.String())
	}

	if err := s.broker.Publish(ctx, messaging.ChannelFlowEvents, &model.PartyEvent{
		Target: target,
		Event:  evt,
	}); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("event dispatched",
		"event", string(evt.Type), "flow_id", evt.FlowID.String(), "target", target.String())
	return nil
}
