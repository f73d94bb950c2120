// Package thread is the append-only message log attached to a flow — the
// "leave a message" fallback. Appends are legal in every flow status; a
// timed-out ring is still a conversation.
package thread

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
)

const maxMessageLength = 2000

type Service struct {
	flows      repository.FlowRepository
	messages   repository.MessageRepository
	dispatcher notification.Dispatcher
	logger     *logger.Logger
}

func NewService(flows repository.FlowRepository, messages repository.MessageRepository, dispatcher notification.Dispatcher, log *logger.Logger) *Service {
	return &Service{
		flows:      flows,
		messages:   messages,
		dispatcher: dispatcher,
		logger:     log.With("component", "thread"),
	}
}

// Append stores a message on the flow's thread and notifies the other party.
// The flow's status is read only to find the peer; it is never mutated here.
func (s *Service) Append(ctx context.Context, flowID uuid.UUID, sender model.Party, text string) (*model.FlowMessage, error) {
	if !sender.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("invalid sender %q", sender), nil)
	}
	if text == "" {
		return nil, apperrors.NewBadRequest("message text is required", nil)
	}
	if len(text) > maxMessageLength {
		return nil, apperrors.NewBadRequest("message text too long", nil)
	}

	f, err := s.flows.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}

	msg := &model.FlowMessage{
		ID:        uuid.New(),
		FlowID:    flowID,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, err
	}

	s.logger.Info("message appended",
		"flow_id", flowID.String(), "sender", string(sender), "seq", msg.Seq)

	evt := model.NewEvent(model.EventNewFlowMessage, flowID, model.MessagePayload{
		FlowID:    flowID,
		MessageID: msg.ID,
		Sender:    sender,
		Text:      text,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	})
	if err := s.dispatcher.Notify(ctx, f.PeerID(sender), evt); err != nil {
		s.logger.Error(err, "message notification failed", "flow_id", flowID.String())
	}

	return msg, nil
}

// List returns the thread in append order.
func (s *Service) List(ctx context.Context, flowID uuid.UUID) ([]*model.FlowMessage, error) {
	if _, err := s.flows.Get(ctx, flowID); err != nil {
		return nil, err
	}
	return s.messages.List(ctx, flowID)
}
