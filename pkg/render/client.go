// Package render talks to the asset render microservice, which turns LaTeX and
// Mermaid sources into SVG and formats citations. Rendering is deterministic
// work kept out of the model.
package render

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

	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// ErrUnavailable marks transport failures and 5xx answers. Callers treat it as
// infrastructure, not as a bad asset.
var ErrUnavailable = errors.New("render service unavailable")

// RenderError is a 4xx or success=false answer for one source: the asset itself is bad.
type RenderError struct {
	Kind    slides.AssetKind
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s failed: %s", e.Kind, e.Message)
}

// Renderer is the subset of the client the pipeline depends on.
type Renderer interface {
	RenderLatex(ctx context.Context, latex string, display bool) (string, error)
	RenderMermaid(ctx context.Context, diagram string) (string, error)
	FormatCitations(ctx context.Context, citations []slides.Citation, style string) ([]string, error)
}

// Client implements Renderer over HTTP.
type Client struct {
	baseURL string
	logger  *logx.Logger
	client  *http.Client
}

// NewClient creates a render client. A non-positive timeout uses 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logx.NewLogger("render-client"),
		client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success   *bool    `json:"success,omitempty"`
	Error     string   `json:"error,omitempty"`
	SVG       string   `json:"svg,omitempty"`
	Formatted string   `json:"formatted,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

func (c *Client) post(ctx context.Context, kind slides.AssetKind, body any) (*envelope, error) {
	url := fmt.Sprintf("%s/render/%s", c.baseURL, kind)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("POST %s", url)
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &RenderError{Kind: kind, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, kind, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || (env.Success != nil && !*env.Success) {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &RenderError{Kind: kind, Message: msg}
	}
	return &env, nil
}

// RenderLatex renders a LaTeX expression to SVG. Surrounding $$ delimiters are accepted.
func (c *Client) RenderLatex(ctx context.Context, latex string, display bool) (string, error) {
	env, err := c.post(ctx, slides.AssetLatex, map[string]any{"latex": latex, "display": display})
	if err != nil {
		return "", err
	}
	if env.SVG == "" {
		return "", &RenderError{Kind: slides.AssetLatex, Message: "empty svg"}
	}
	return env.SVG, nil
}

// RenderMermaid renders Mermaid diagram code to SVG.
func (c *Client) RenderMermaid(ctx context.Context, diagram string) (string, error) {
	env, err := c.post(ctx, slides.AssetMermaid, map[string]any{"diagram": diagram})
	if err != nil {
		return "", err
	}
	if env.SVG == "" {
		return "", &RenderError{Kind: slides.AssetMermaid, Message: "empty svg"}
	}
	return env.SVG, nil
}

type citationPayload struct {
	Author string `json:"author,omitempty"`
	Year   string `json:"year,omitempty"`
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
	DOI    string `json:"doi,omitempty"`
	URL    string `json:"url,omitempty"`
}

// FormatCitations formats citations in the given style, one string per input.
func (c *Client) FormatCitations(ctx context.Context, citations []slides.Citation, style string) ([]string, error) {
	if len(citations) == 0 {
		return nil, nil
	}
	payload := make([]citationPayload, len(citations))
	for i, ct := range citations {
		payload[i] = citationPayload{
			Author: strings.Join(ct.Authors, ", "),
			Year:   ct.Year,
			Title:  ct.Title,
			Source: ct.Source,
			DOI:    ct.DOI,
			URL:    ct.URL,
		}
	}
	env, err := c.post(ctx, slides.AssetCitation, map[string]any{"citations": payload, "style": style})
	if err != nil {
		return nil, err
	}
	out := env.Citations
	if len(out) == 0 && env.Formatted != "" {
		out = []string{env.Formatted}
	}
	if len(out) != len(citations) {
		return nil, &RenderError{Kind: slides.AssetCitation,
			Message: fmt.Sprintf("got %d formatted citations for %d inputs", len(out), len(citations))}
	}
	return out, nil
}

// Health reports whether the service answers /health with 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// IsUnavailable reports whether err means the service could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
