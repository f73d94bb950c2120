package callwatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
)

// HTTPFetcher polls flow status over the public REST surface. It is the
// fetcher a client-side watcher uses against a remote core instance.
type HTTPFetcher struct {
	client *resty.Client
}

// NewHTTPFetcher builds a fetcher against baseURL (e.g. "https://core.example").
// token, when non-empty, is sent as a bearer credential.
func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPFetcher{client: client}
}

type flowStatusResponse struct {
	Data struct {
		Status model.FlowStatus `json:"status"`
	} `json:"data"`
}

func (f *HTTPFetcher) FetchStatus(ctx context.Context, flowID uuid.UUID) (model.FlowStatus, error) {
	var body flowStatusResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/api/v1/flows/" + flowID.String())
	if err != nil {
		return "", fmt.Errorf("failed to fetch flow status: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return body.Data.Status, nil
	case http.StatusNotFound:
		return "", apperrors.NewNotFound("flow", nil)
	default:
		return "", fmt.Errorf("unexpected status %d fetching flow %s", resp.StatusCode(), flowID)
	}
}
