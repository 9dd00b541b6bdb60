// Package metrics queries the Prometheus server that scrapes the LLM counters,
// giving cost and token summaries that span process restarts and sessions.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
)

// SessionCost is the aggregated token and cost usage of one session.
type SessionCost struct {
	SessionID      string  `json:"session_id"`
	Agent          string  `json:"agent,omitempty"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	ThinkingTokens int64   `json:"thinking_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI  v1.API
	namespace string
	now       func() time.Time
}

// NewQueryService creates a new metrics query service. An empty namespace
// uses the recorder's default.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if namespace == "" {
		namespace = llmmetrics.DefaultNamespace
	}
	return &QueryService{
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
		now:       time.Now,
	}, nil
}

func (q *QueryService) metric(name string) string {
	return q.namespace + "_" + name
}

// vector runs an instant query and returns its samples.
func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", query, err)
	}
	vec, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("query %q returned %s, want vector", query, result.Type())
	}
	return vec, nil
}

// GetSessionCost retrieves aggregated token and cost metrics for one session.
func (q *QueryService) GetSessionCost(ctx context.Context, sessionID string) (*SessionCost, error) {
	byAgent, err := q.GetSessionCostByAgent(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	total := &SessionCost{SessionID: sessionID}
	for _, c := range byAgent {
		total.InputTokens += c.InputTokens
		total.OutputTokens += c.OutputTokens
		total.ThinkingTokens += c.ThinkingTokens
		total.TotalTokens += c.TotalTokens
		total.TotalCost += c.TotalCost
	}
	return total, nil
}

// GetSessionCostByAgent breaks a session's usage down by pipeline stage.
func (q *QueryService) GetSessionCostByAgent(ctx context.Context, sessionID string) (map[string]*SessionCost, error) {
	out := make(map[string]*SessionCost)
	entry := func(agent string) *SessionCost {
		c, ok := out[agent]
		if !ok {
			c = &SessionCost{SessionID: sessionID, Agent: agent}
			out[agent] = c
		}
		return c
	}

	tokens, err := q.vector(ctx, fmt.Sprintf(`sum by (agent, type) (%s{session_id=%q})`,
		q.metric("llm_tokens_total"), sessionID))
	if err != nil {
		return nil, err
	}
	for _, sample := range tokens {
		c := entry(string(sample.Metric["agent"]))
		n := int64(sample.Value)
		switch sample.Metric["type"] {
		case "input":
			c.InputTokens += n
		case "output":
			c.OutputTokens += n
		case "thinking":
			c.ThinkingTokens += n
		}
		c.TotalTokens += n
	}

	costs, err := q.vector(ctx, fmt.Sprintf(`sum by (agent) (%s{session_id=%q})`,
		q.metric("llm_costs_total"), sessionID))
	if err != nil {
		return nil, err
	}
	for _, sample := range costs {
		entry(string(sample.Metric["agent"])).TotalCost = float64(sample.Value)
	}
	return out, nil
}

// TopSessions returns the costliest sessions over the trailing window, most
// expensive first.
func (q *QueryService) TopSessions(ctx context.Context, window time.Duration, limit int) ([]SessionCost, error) {
	if limit <= 0 {
		limit = 10
	}
	rng := model.Duration(window).String()
	costs, err := q.vector(ctx, fmt.Sprintf(`topk(%d, sum by (session_id) (increase(%s[%s])))`,
		limit, q.metric("llm_costs_total"), rng))
	if err != nil {
		return nil, err
	}
	tokens, err := q.vector(ctx, fmt.Sprintf(`sum by (session_id) (increase(%s[%s]))`,
		q.metric("llm_tokens_total"), rng))
	if err != nil {
		return nil, err
	}
	tokenBySession := make(map[string]int64, len(tokens))
	for _, sample := range tokens {
		tokenBySession[string(sample.Metric["session_id"])] = int64(sample.Value)
	}

	out := make([]SessionCost, 0, len(costs))
	for _, sample := range costs {
		id := string(sample.Metric["session_id"])
		out = append(out, SessionCost{
			SessionID:   id,
			TotalCost:   float64(sample.Value),
			TotalTokens: tokenBySession[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalCost > out[j].TotalCost })
	return out, nil
}
