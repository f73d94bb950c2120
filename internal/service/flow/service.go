// Package flow owns the authoritative call/flow lifecycle:
// pending → answered | rejected | timeout, committed at most once. The
// responder's answer and the deadline sweep race through the same guarded
// repository transition, so exactly one writer wins and every loser learns the
// committed outcome.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/repository"
	"github.com/219WD/videoporteroqr-core/internal/service/notification"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

type Config struct {
	// ResponseDeadline is how long a flow may stay pending before the sweep
	// commits timeout. It matches the client watchdog's deadline so both
	// sides converge; a late accept after either deadline is stale.
	ResponseDeadline time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	RetentionSweep   time.Duration
}

type Service struct {
	repo       repository.FlowRepository
	messages   repository.MessageRepository
	dispatcher notification.Dispatcher
	cfg        Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewService(
	repo repository.FlowRepository,
	messages repository.MessageRepository,
	dispatcher notification.Dispatcher,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		repo:       repo,
		messages:   messages,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.With("component", "flow"),
		metrics:    m,
	}
}

// ResponsePayload rides on call-response / flow-response events.
type ResponsePayload struct {
	Flow    model.FlowSnapshot `json:"flow"`
	Message string             `json:"message,omitempty"`
}

// Create opens a new pending flow and notifies the responder on both delivery
// paths.
func (s *Service) Create(ctx context.Context, callerID, responderID uuid.UUID, actionType model.ActionType) (*model.Flow, error) {
	if callerID == uuid.Nil || responderID == uuid.Nil {
		return nil, apperrors.NewBadRequest("caller and responder are required", nil)
	}
	if !actionType.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("invalid action type %q", actionType), nil)
	}

	f := &model.Flow{
		ID:          uuid.New(),
		CallerID:    callerID,
		ResponderID: responderID,
		ActionType:  actionType,
		Status:      model.FlowStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	s.metrics.FlowsCreated.WithLabelValues(string(actionType)).Inc()
	s.logger.Info("flow created",
		"flow_id", f.ID.String(), "action_type", string(actionType), "caller_id", callerID.String())

	incoming := model.EventFlowIncoming
	if actionType == model.ActionTypeCall {
		incoming = model.EventCallIncoming
	}
	evt := model.NewEvent(incoming, f.ID, model.Snapshot(f))
	if err := s.dispatcher.Notify(ctx, f.ResponderID, evt); err != nil {
		// The flow exists; the responder still has push and the caller has
		// polling. Do not unwind the create.
		s.logger.Error(err, "incoming notification failed", "flow_id", f.ID.String())
	}

	return f, nil
}

// Get returns the current snapshot. An archived or unknown id is NotFound,
// which callers treat as timeout-equivalent.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	return s.repo.Get(ctx, id)
}

// GetWithMessages returns the flow and its ordered thread.
func (s *Service) GetWithMessages(ctx context.Context, id uuid.UUID) (*model.Flow, []*model.FlowMessage, error) {
	return s.repo.GetWithMessages(ctx, id)
}

// Respond commits the responder's decision. Losing the race against the
// deadline sweep (or a concurrent respond) yields ErrStaleTransition carrying
// the committed status.
func (s *Service) Respond(ctx context.Context, id, actor uuid.UUID, response model.FlowResponse, message string) (*model.Flow, error) {
	if !response.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("invalid response %q", response), nil)
	}

	// Parties are immutable, so authorization can be checked on a plain read
	// before racing for the transition.
	if actor != uuid.Nil {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if actor != current.ResponderID {
			return nil, apperrors.Unauthorized(fmt.Errorf("party %s is not the responder of flow %s", actor, id))
		}
	}

	f, committed, err := s.repo.Transition(ctx, id, response.Status(), &response)
	if err != nil {
		return nil, err
	}
	if !committed {
		s.metrics.StaleTransitions.WithLabelValues(string(response.Status())).Inc()
		s.logger.Info("stale respond",
			"flow_id", id.String(), "attempted", string(response), "committed", string(f.Status))
		return f, apperrors.NewStaleTransition(string(f.Status))
	}

	s.metrics.TransitionsCommitted.WithLabelValues(string(f.Status)).Inc()
	s.logger.Info("flow responded",
		"flow_id", id.String(), "status", string(f.Status))

	if message != "" {
		if err := s.appendResponseMessage(ctx, f, message); err != nil {
			s.logger.Error(err, "response message append failed", "flow_id", id.String())
		}
	}

	s.broadcastOutcome(ctx, f, message)
	return f, nil
}

// ExpirePending commits timeout on every flow whose deadline has passed.
// Flows answered between the listing and the transition lose the race
// harmlessly: the guarded transition leaves them untouched.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.ResponseDeadline)
	pending, err := s.repo.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired flows: %w", err)
	}

	expired := 0
	for _, f := range pending {
		timedOut, won, err := s.repo.Transition(ctx, f.ID, model.FlowStatusTimeout, nil)
		if err != nil {
			s.logger.Error(err, "timeout transition failed", "flow_id", f.ID.String())
			continue
		}
		if !won {
			// Answered between the listing and the transition; the respond
			// path already broadcast the outcome.
			s.metrics.StaleTransitions.WithLabelValues(string(model.FlowStatusTimeout)).Inc()
			continue
		}
		expired++
		s.metrics.TransitionsCommitted.WithLabelValues(string(model.FlowStatusTimeout)).Inc()
		s.broadcastOutcome(ctx, timedOut, "")
	}
	return expired, nil
}

// RunDeadlineSweep drives ExpirePending until ctx is cancelled.
func (s *Service) RunDeadlineSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpirePending(ctx)
			if err != nil {
				s.logger.Error(err, "deadline sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info("flows timed out", "count", n)
			}
			if count, err := s.repo.CountPending(ctx); err == nil {
				s.metrics.PendingFlows.Set(float64(count))
			}
		}
	}
}

// RunRetentionSweep archives terminal flows past the retention window.
func (s *Service) RunRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.repo.DeleteTerminalBefore(ctx, time.Now().Add(-s.cfg.Retention))
			if err != nil {
				s.logger.Error(err, "retention sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info("flows archived", "count", n)
			}
		}
	}
}

func (s *Service) appendResponseMessage(ctx context.Context, f *model.Flow, text string) error {
	msg := &model.FlowMessage{
		ID:        uuid.New(),
		FlowID:    f.ID,
		Sender:    model.PartyHost,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return err
	}

	detail := model.NewEvent(model.EventFlowMessageDetails, f.ID, model.MessagePayload{
		FlowID:    f.ID,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	})
	if err := s.dispatcher.Notify(ctx, f.CallerID, detail); err != nil {
		s.logger.Error(err, "message detail notification failed", "flow_id", f.ID.String())
	}
	return nil
}

// broadcastOutcome re-announces a committed terminal status to the caller so a
// disconnected-then-reconnected caller converges no matter which path it
// still has open. An accepted call additionally tells the caller to begin
// WebRTC negotiation.
func (s *Service) broadcastOutcome(ctx context.Context, f *model.Flow, message string) {
	outcome := model.EventFlowResponse
	if f.ActionType == model.ActionTypeCall {
		outcome = model.EventCallResponse
	}
	payload := ResponsePayload{Flow: model.Snapshot(f), Message: message}

	if err := s.dispatcher.Notify(ctx, f.CallerID, model.NewEvent(outcome, f.ID, payload)); err != nil {
		s.logger.Error(err, "outcome notification failed", "flow_id", f.ID.String())
	}

	if f.Status == model.FlowStatusAnswered && f.ActionType == model.ActionTypeCall {
		start := model.NewEvent(model.EventFlowStartVideocall, f.ID, model.Snapshot(f))
		if err := s.dispatcher.Notify(ctx, f.CallerID, start); err != nil {
			s.logger.Error(err, "videocall start notification failed", "flow_id", f.ID.String())
		}
	}
}
