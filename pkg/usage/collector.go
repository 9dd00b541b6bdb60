package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// historyLimit bounds the per-agent call history returned in snapshots.
const historyLimit = 10

// Usage is the token count reported for one model call.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens"`
}

// Total sums all token kinds.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ThinkingTokens
}

// Record is one ledger entry.
type Record struct {
	Agent    string        `json:"agent"`
	Model    string        `json:"model"`
	Tier     Tier          `json:"tier"`
	Usage    Usage         `json:"usage"`
	CostUSD  float64       `json:"cost_usd"`
	Duration time.Duration `json:"duration_ns"`
	At       time.Time     `json:"at"`
}

// AgentMetrics aggregates the records of one agent.
type AgentMetrics struct {
	Agent          string   `json:"agent_name"`
	Calls          int      `json:"calls"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
	ThinkingTokens int      `json:"thinking_tokens"`
	TotalTokens    int      `json:"total_tokens"`
	CostUSD        float64  `json:"cost_usd"`
	AvgDurationMS  float64  `json:"avg_duration_ms"`
	CallHistory    []Record `json:"call_history"`

	totalDuration time.Duration
}

// Totals aggregates a whole session.
type Totals struct {
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	ThinkingTokens     int     `json:"thinking_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	CostUSD            float64 `json:"cost_usd"`
	APICalls           int     `json:"api_calls"`
	PipelineDurationMS *int64  `json:"pipeline_duration_ms"`
}

// SessionMetrics is a point-in-time copy of a collector.
type SessionMetrics struct {
	SessionID     string                  `json:"session_id"`
	CreatedAt     time.Time               `json:"created_at"`
	Totals        Totals                  `json:"totals"`
	Agents        map[string]AgentMetrics `json:"agents"`
	PipelineStart *time.Time              `json:"pipeline_start,omitempty"`
	PipelineEnd   *time.Time              `json:"pipeline_end,omitempty"`
}

// Collector is the append-only usage ledger of one session. It is safe for concurrent use.
type Collector struct {
	sessionID string
	createdAt time.Time

	mu            sync.Mutex
	records       []Record
	pipelineStart time.Time
	pipelineEnd   time.Time
	sink          func(Record)

	logger *logx.Logger
}

func NewCollector(sessionID string) *Collector {
	return &Collector{
		sessionID: sessionID,
		createdAt: time.Now().UTC(),
		logger:    logx.NewLogger("usage"),
	}
}

// OnRecord installs a hook called after each recorded entry, outside the lock.
func (c *Collector) OnRecord(fn func(Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = fn
}

// Record appends one call. It never fails; a panicking hook is logged and ignored.
func (c *Collector) Record(agent, model string, u Usage, d time.Duration) Record {
	tier, _ := RateFor(model, u.InputTokens)
	rec := Record{
		Agent:    agent,
		Model:    model,
		Tier:     tier,
		Usage:    u,
		CostUSD:  Cost(model, u),
		Duration: d,
		At:       time.Now().UTC(),
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Session(c.sessionID).Error("usage hook panicked: %v", r)
				}
			}()
			sink(rec)
		}()
	}
	return rec
}

// Restore replaces the ledger with persisted records.
func (c *Collector) Restore(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append([]Record(nil), records...)
}

func (c *Collector) StartPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineStart = time.Now().UTC()
	c.pipelineEnd = time.Time{}
}

func (c *Collector) EndPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineEnd = time.Now().UTC()
}

// Records returns a copy of the ledger.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Snapshot aggregates the ledger into a detached SessionMetrics.
func (c *Collector) Snapshot() SessionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	sm := SessionMetrics{
		SessionID: c.sessionID,
		CreatedAt: c.createdAt,
		Agents:    make(map[string]AgentMetrics),
	}
	for _, r := range c.records {
		am := sm.Agents[r.Agent]
		am.Agent = r.Agent
		am.Calls++
		am.InputTokens += r.Usage.InputTokens
		am.OutputTokens += r.Usage.OutputTokens
		am.ThinkingTokens += r.Usage.ThinkingTokens
		am.TotalTokens += r.Usage.Total()
		am.CostUSD += r.CostUSD
		am.totalDuration += r.Duration
		am.AvgDurationMS = float64(am.totalDuration.Milliseconds()) / float64(am.Calls)
		am.CallHistory = append(am.CallHistory, r)
		if len(am.CallHistory) > historyLimit {
			am.CallHistory = am.CallHistory[len(am.CallHistory)-historyLimit:]
		}
		sm.Agents[r.Agent] = am

		sm.Totals.InputTokens += r.Usage.InputTokens
		sm.Totals.OutputTokens += r.Usage.OutputTokens
		sm.Totals.ThinkingTokens += r.Usage.ThinkingTokens
		sm.Totals.TotalTokens += r.Usage.Total()
		sm.Totals.CostUSD += r.CostUSD
		sm.Totals.APICalls++
	}

	if !c.pipelineStart.IsZero() {
		start := c.pipelineStart
		sm.PipelineStart = &start
		if !c.pipelineEnd.IsZero() {
			end := c.pipelineEnd
			sm.PipelineEnd = &end
			ms := end.Sub(start).Milliseconds()
			sm.Totals.PipelineDurationMS = &ms
		}
	}
	return sm
}

// AgentNames returns the agents that have recorded usage, sorted.
func (m SessionMetrics) AgentNames() []string {
	names := make([]string, 0, len(m.Agents))
	for n := range m.Agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
