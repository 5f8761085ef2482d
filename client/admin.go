package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Heartbeat is the daemon's admin /heartbeat response.
type Heartbeat struct {
	StartedAt string
	Sessions  int
	Processes int
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// AdminClient talks to the daemon's admin HTTP server.
type AdminClient struct {
	HTTPClient *http.Client
	BaseURL    string
}

type AdminOption func(r *retryablehttp.Client)

// WithRetryMax bounds the retries of each admin request.
func WithRetryMax(n int) AdminOption {
	return func(r *retryablehttp.Client) {
		r.RetryMax = n
	}
}

func NewAdminClient(log *zap.SugaredLogger, baseURL string, opts ...AdminOption) *AdminClient {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}
	for _, o := range opts {
		o(retryClient)
	}
	return &AdminClient{
		HTTPClient: retryClient.StandardClient(),
		BaseURL:    baseURL,
	}
}

func (a *AdminClient) Heartbeat(ctx context.Context) (*Heartbeat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/heartbeat", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	var hb Heartbeat
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}
	return &hb, nil
}
