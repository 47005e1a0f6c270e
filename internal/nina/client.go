package nina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"skywatch/pkg/clients"
	"skywatch/pkg/logging"
)

// Client fetches event history from the imaging host's HTTP API.
type Client struct {
	historyURL string
	httpClient *http.Client
	retry      clients.RetryConfig
	logger     logging.Logger
}

// ClientConfig configures the history client.
type ClientConfig struct {
	HistoryURL    string
	Timeout       time.Duration
	RetryAttempts int
	Logger        logging.Logger
}

// NewClient creates an imaging-host HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	retry := clients.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxRetries = cfg.RetryAttempts
	}
	return &Client{
		historyURL: cfg.HistoryURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      retry,
		logger:     cfg.Logger,
	}
}

// EventHistory fetches the imaging host's recent raw event records. The
// endpoint returns either a bare JSON array or {Response:[...]}.
func (c *Client) EventHistory(ctx context.Context) ([]map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.historyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return nil, fmt.Errorf("fetch event history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event history returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read event history: %w", err)
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var wrapped struct {
		Response []map[string]interface{} `json:"Response"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode event history: %w", err)
	}
	return wrapped.Response, nil
}
