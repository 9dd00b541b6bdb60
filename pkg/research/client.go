// Package research runs background deep-research tasks on the Gemini
// Interactions endpoint and waits for them with bounded polling.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/poll"
)

// DefaultBaseURL is the public Generative Language endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Remote interaction states.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Interaction is the subset of the remote resource we read.
type Interaction struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Outputs []struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"outputs,omitempty"`
	Error any `json:"error,omitempty"`
}

// Text concatenates every text output.
func (i *Interaction) Text() string {
	var b strings.Builder
	for _, o := range i.Outputs {
		b.WriteString(o.Text)
	}
	return b.String()
}

// Client starts and polls deep-research interactions.
type Client struct {
	baseURL string
	apiKey  string
	agent   string
	client  *http.Client
	logger  *logx.Logger
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey, agent string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		agent:   agent,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logx.NewLogger("research"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return llmerrors.FromProvider(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return llmerrors.FromProvider(err, 0)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return llmerrors.FromProvider(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode,
			strings.TrimSpace(string(raw))), resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode interaction: %w", err)
	}
	return nil
}

// Start launches a background research task on topic and returns its id.
func (c *Client) Start(ctx context.Context, topic string) (string, error) {
	body := map[string]any{
		"agent":      c.agent,
		"input":      "Research: " + topic,
		"background": true,
		"store":      true,
	}
	var it Interaction
	if err := c.do(ctx, http.MethodPost, "/v1beta/interactions", body, &it); err != nil {
		return "", fmt.Errorf("failed to start deep research: %w", err)
	}
	if it.ID == "" {
		return "", errors.New("failed to start deep research: no interaction id")
	}
	c.logger.Info("Started deep research %s on: %s", it.ID, topic)
	return it.ID, nil
}

// Get fetches the current state of an interaction.
func (c *Client) Get(ctx context.Context, id string) (*Interaction, error) {
	var it Interaction
	if err := c.do(ctx, http.MethodGet, "/v1beta/interactions/"+id, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Result is the end state of a research run.
type Result struct {
	TaskID   string
	Outcome  poll.Outcome
	Text     string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Run starts a task and polls it to a terminal outcome. A remote cancellation
// is reported as poll.Cancelled even though ctx is still live.
func (c *Client) Run(ctx context.Context, topic string, cfg poll.Config) Result {
	id, err := c.Start(ctx, topic)
	if err != nil {
		return Result{Outcome: poll.Failed, Err: err}
	}

	var last *Interaction
	res := poll.Until(ctx, cfg, func(ctx context.Context) (poll.State, error) {
		it, err := c.Get(ctx, id)
		if err != nil {
			return poll.Pending, err
		}
		last = it
		switch it.Status {
		case StatusCompleted:
			return poll.Done, nil
		case StatusFailed, StatusCancelled:
			return poll.Errored, nil
		default:
			return poll.Pending, nil
		}
	})

	out := Result{TaskID: id, Outcome: res.Outcome, Attempts: res.Attempts, Elapsed: res.Elapsed, Err: res.Err}
	switch {
	case res.Outcome == poll.Completed:
		out.Text = last.Text()
	case last != nil && last.Status == StatusCancelled:
		out.Outcome = poll.Cancelled
	case last != nil && last.Status == StatusFailed && last.Error != nil:
		out.Err = fmt.Errorf("%w: %v", poll.ErrWorkFailed, last.Error)
	}
	c.logger.Info("Deep research %s ended: %s after %d checks (%s)", id, out.Outcome, out.Attempts, out.Elapsed.Round(time.Second))
	return out
}
