// Package push is the client for the external push gateway. Delivery is
// best-effort and one-way: the gateway acks receipt, never display, so the
// caller must not treat a successful Deliver as "the party saw the ring".
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/config"
)

// Gateway sends one push notification to a party's registered devices.
type Gateway interface {
	Deliver(ctx context.Context, target uuid.UUID, eventType string, payload json.RawMessage) error
}

type httpGateway struct {
	client *resty.Client
}

// NewGateway builds the REST client for the configured push gateway.
func NewGateway(cfg config.PushConfig) Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.GatewayURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &httpGateway{client: client}
}

type pushRequest struct {
	Target    uuid.UUID       `json:"target"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (g *httpGateway) Deliver(ctx context.Context, target uuid.UUID, eventType string, payload json.RawMessage) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(pushRequest{
			Target:    target,
			EventType: eventType,
			Payload:   payload,
		}).
		Post("/v1/push")
	if err != nil {
		return fmt.Errorf("failed to reach push gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
