package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Request starts a validation run on the external runner. Config is passed
// through untouched.
type Request struct {
	URL       string
	ProjectID string
	Config    map[string]string
}

// Feed is an open event stream for one run.
type Feed struct {
	*Reader
	body io.ReadCloser
}

// NewFeed wraps an already-open stream body.
func NewFeed(body io.ReadCloser, logger *slog.Logger) *Feed {
	return &Feed{Reader: NewReader(body, logger), body: body}
}

func (f *Feed) Close() error { return f.body.Close() }

// Opener opens a feed for a run request.
type Opener interface {
	Open(ctx context.Context, req Request) (*Feed, error)
}

// Client opens feeds over HTTP. It sets no read timeout on the body; a
// stalled runner keeps the run validating until ctx is cancelled.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type triggerBody struct {
	ProjectID string            `json:"projectId"`
	Config    map[string]string `json:"config"`
}

func (c *Client) Open(ctx context.Context, req Request) (*Feed, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("runner url is required")
	}
	cfg := req.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	data, err := json.Marshal(triggerBody{ProjectID: req.ProjectID, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		res.Body.Close()
		return nil, fmt.Errorf("runner returned status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return NewFeed(res.Body, c.Logger), nil
}
