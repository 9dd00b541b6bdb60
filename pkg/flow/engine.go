// Package flow sequences a presentation session through clarification, outline
// approval and the background generation pipeline.
//
// Every mutation goes through the Engine. A session's state is replaced, never
// edited in place: writers hold the session mutex, apply changes to a copy and
// publish the copy atomically, so status reads never wait on a running stage.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/retry"
	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/config"
	"github.com/Kevin-nav/sankosides/pkg/events"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/persistence"
	"github.com/Kevin-nav/sankosides/pkg/poll"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/research"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
	"github.com/Kevin-nav/sankosides/pkg/usage"
)

// Config holds the engine knobs. Zero fields take defaults.
type Config struct {
	QAThreshold       float64
	MaxQALoops        int
	MaxRetryAttempts  int
	MaxParallelSlides int
	SessionTTL        time.Duration
	JanitorInterval   time.Duration
	InfraRetry        retry.Config
	ResearchPoll      poll.Config

	DefaultCitationStyle string
	DefaultTheme         string
	DefaultTone          string
}

// DefaultConfig returns the built-in engine settings.
func DefaultConfig() Config {
	return Config{
		QAThreshold:       config.DefaultQAThreshold,
		MaxQALoops:        config.DefaultMaxQALoops,
		MaxRetryAttempts:  config.DefaultMaxRetryAttempts,
		MaxParallelSlides: config.DefaultMaxParallelSlides,
		SessionTTL:        config.DefaultSessionTTL,
		JanitorInterval:   config.DefaultJanitorInterval,
		InfraRetry:        retry.DefaultConfig,
	}
}

// ConfigFrom reads the flow, research and defaults sections of the project config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if f := cfg.Flow; f != nil {
		c.QAThreshold = f.QAThreshold
		c.MaxQALoops = f.MaxQALoops
		c.MaxRetryAttempts = f.MaxRetryAttempts
		c.MaxParallelSlides = f.MaxParallelSlides
		c.SessionTTL = f.SessionTTL
		c.JanitorInterval = f.JanitorInterval
		c.InfraRetry = retry.FromConfig(f.InfraRetry)
	}
	if r := cfg.Research; r != nil {
		c.ResearchPoll = poll.Config{Interval: r.Interval, MaxInterval: r.MaxInterval, Ceiling: r.Ceiling}
	}
	if d := cfg.Defaults; d != nil {
		c.DefaultCitationStyle = d.CitationStyle
		c.DefaultTheme = d.ThemeID
		c.DefaultTone = d.Tone
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QAThreshold <= 0 {
		c.QAThreshold = d.QAThreshold
	}
	if c.MaxQALoops <= 0 {
		c.MaxQALoops = d.MaxQALoops
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.MaxParallelSlides <= 0 {
		c.MaxParallelSlides = d.MaxParallelSlides
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.InfraRetry.MaxAttempts <= 0 {
		c.InfraRetry = d.InfraRetry
	}
	return c
}

// Researcher runs a deep research task to completion. *research.Client implements it.
type Researcher interface {
	Run(ctx context.Context, topic string, cfg poll.Config) research.Result
}

// UsageStore is implemented by session stores that also keep the usage ledger.
type UsageStore interface {
	RecordUsage(ctx context.Context, sessionID string, r usage.Record) error
	UsageRecords(ctx context.Context, sessionID string) ([]usage.Record, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the session store. Without one the engine opens a private
// in-memory SQLite database.
func WithStore(s persistence.SessionStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithReportStore overrides where failure reports go. By default the session
// store is used when it can hold reports.
func WithReportStore(r recovery.ReportStore) Option {
	return func(e *Engine) { e.reports = r }
}

// WithEmitter shares an emitter so other listeners (audit log) see flow events.
func WithEmitter(em *events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

func WithExtractor(x *clarify.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithResearcher enables deep research for order forms that ask for it.
func WithResearcher(r Researcher) Option {
	return func(e *Engine) { e.researcher = r }
}

// WithRecorder records stage durations.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine owns the session registry and runs every transition.
type Engine struct {
	cfg        Config
	pipeline   *stages.Pipeline
	store      persistence.SessionStore
	ownsStore  bool
	reports    recovery.ReportStore
	emitter    *events.Emitter
	broker     *events.Broker
	extractor  *clarify.Extractor
	researcher Researcher
	recorder   metrics.Recorder
	policy     *recovery.Policy
	infra      *retry.Policy
	logger     *logx.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	baseCtx     context.Context
	cancel      context.CancelFunc
	tasks       sync.WaitGroup
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates an engine. A nil pipeline runs the deterministic stages.
func New(pipeline *stages.Pipeline, cfg Config, opts ...Option) (*Engine, error) {
	if pipeline == nil {
		var err error
		if pipeline, err = stages.New(nil); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		policy:   recovery.NewPolicy(),
		infra:    retry.NewPolicy(cfg.InfraRetry, IsInfrastructure),
		logger:   logx.NewLogger("flow"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		db, err := persistence.Open(persistence.MemoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory session store: %w", err)
		}
		e.store, e.ownsStore = db, true
	}
	if e.reports == nil {
		if rs, ok := e.store.(recovery.ReportStore); ok {
			e.reports = rs
		} else {
			e.reports = recovery.NewMemoryReportStore()
		}
	}
	if e.emitter == nil {
		e.emitter = events.NewEmitter()
	}
	e.broker = events.NewBroker(events.DefaultSubscriberBuffer)
	e.emitter.Register(e.broker)
	if e.extractor == nil {
		x, err := clarify.NewExtractor()
		if err != nil {
			return nil, err
		}
		e.extractor = x
	}
	if e.recorder == nil {
		e.recorder = metrics.Nop()
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// session is the registry entry for one session id.
type session struct {
	id      string
	mu      sync.Mutex // serializes writers
	cur     atomic.Pointer[State]
	budget  *recovery.RetryBudget
	usage   *usage.Collector
	running atomic.Bool
	touched atomic.Int64
}

// current returns the published state. Callers must treat it as read-only.
func (s *session) current() *State { return s.cur.Load() }

func (s *session) touch() { s.touched.Store(time.Now().UnixNano()) }

func (e *Engine) newSession(ctx context.Context, st *State) *session {
	s := &session{
		id:     st.SessionID,
		budget: recovery.NewRetryBudget(e.cfg.MaxRetryAttempts),
		usage:  usage.NewCollector(st.SessionID),
	}
	s.budget.Restore(st.HelperAttempts)
	s.cur.Store(st)
	s.touch()

	if us, ok := e.store.(UsageStore); ok {
		if records, err := us.UsageRecords(ctx, st.SessionID); err != nil {
			e.logger.Session(st.SessionID).Warn("Failed to restore usage ledger: %v", err)
		} else {
			s.usage.Restore(records)
		}
		s.usage.OnRecord(func(r usage.Record) {
			if err := us.RecordUsage(context.Background(), st.SessionID, r); err != nil {
				e.logger.Session(st.SessionID).Warn("Failed to persist usage record: %v", err)
			}
		})
	}
	return s
}

// register persists a brand-new state and adds it to the registry.
func (e *Engine) register(ctx context.Context, st *State) (*session, error) {
	st.Version = 1
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	s := e.newSession(ctx, st)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.sessions[st.SessionID] = s
	return s, nil
}

// lookup finds a session in the registry, loading it from the store on a miss.
func (e *Engine) lookup(ctx context.Context, id string) (*session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := e.sessions[id]
	if ok {
		// Touch under e.mu so the janitor cannot evict between lookup and use.
		s.touch()
	}
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := e.store.GetSession(ctx, id)
	if errors.Is(err, persistence.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, recovery.Infrastructure(fmt.Errorf("failed to load session %s: %w", id, err))
	}
	st, err := UnmarshalState(rec.StateJSON)
	if err != nil {
		return nil, err
	}
	loaded := e.newSession(ctx, st)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[id]; ok {
		return existing, nil
	}
	e.sessions[id] = loaded
	return loaded, nil
}

// notice is an event emitted after a successful apply.
type notice struct {
	typ  events.Type
	data map[string]any
}

type persistMode int

const (
	// persistNone publishes without saving.
	persistNone persistMode = iota
	// persistStrict saves before publishing; a failed save leaves the state unchanged.
	persistStrict
	// persistRetry publishes, then saves under the infrastructure backoff.
	persistRetry
	// persistDurable saves under the infrastructure backoff and publishes only
	// once the save succeeded. Terminal transitions use it so the store never
	// lags behind a finished session.
	persistDurable
)

// apply runs fn on a copy of the current state and publishes the copy. The
// caller holds s.mu. fn must not keep references to the copy.
func (e *Engine) apply(ctx context.Context, s *session, mode persistMode, fn func(st *State) (*notice, error)) error {
	prev := s.current()
	next := prev.Clone()
	n, err := fn(next)
	if err != nil {
		return err
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = time.Now().UTC()
	next.HelperAttempts = s.budget.Snapshot()

	var saveErr error
	switch mode {
	case persistStrict:
		if err := e.save(ctx, next); err != nil {
			return err
		}
	case persistRetry:
		_, saveErr = retryInfra(ctx, e, s.id, "checkpoint", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.save(ctx, next)
		})
	case persistDurable:
		_, err := retryInfra(ctx, e, s.id, "final save", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.save(ctx, next)
		})
		if err != nil {
			return err
		}
	}

	s.cur.Store(next)
	if n != nil {
		e.emit(ctx, next, n)
	}
	return saveErr
}

// update takes the session lock around apply.
func (e *Engine) update(ctx context.Context, s *session, mode persistMode, fn func(st *State) (*notice, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.apply(ctx, s, mode, fn)
}

func (e *Engine) emit(ctx context.Context, st *State, n *notice) {
	data := make(map[string]any, len(n.data)+2)
	for k, v := range n.data {
		data[k] = v
	}
	data["version"] = st.Version
	data["status"] = st.Status
	e.emitter.Emit(ctx, st.SessionID, n.typ, data)
}

func (e *Engine) save(ctx context.Context, st *State) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", st.SessionID, err)
	}
	rec := &persistence.SessionRecord{
		SessionID:       st.SessionID,
		Status:          string(st.Status),
		CurrentStage:    st.CurrentStage,
		Version:         st.Version,
		FailureReportID: st.FailureReportID,
		StateJSON:       data,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}
	if err := e.store.SaveSession(ctx, rec); err != nil {
		return recovery.Infrastructure(fmt.Errorf("failed to persist session %s: %w", st.SessionID, err))
	}
	return nil
}

func (e *Engine) env(s *session) stages.Env {
	return stages.Env{
		SessionID: s.id,
		Runner:    recovery.NewRunner(s.id, e.policy, s.budget, e.reports),
		Usage:     s.usage,
	}
}

// retryInfra calls fn until it succeeds, fails with a non-infrastructure error,
// or the infrastructure backoff is exhausted.
func retryInfra[T any](ctx context.Context, e *Engine, sessionID, what string, fn func(context.Context) (T, error)) (T, error) {
	maxAttempts := e.infra.Config.MaxAttempts
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || attempt >= maxAttempts || !e.infra.ShouldRetry(err) {
			return v, err
		}
		delay := e.infra.CalculateDelay(attempt + 1)
		e.logger.Session(sessionID).Warn("%s hit an infrastructure error (attempt %d/%d), retrying in %s: %v",
			what, attempt, maxAttempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, ctx.Err()
		case <-timer.C:
		}
	}
}

// CreateSession starts a new session awaiting clarification.
func (e *Engine) CreateSession(ctx context.Context) (string, error) {
	st := NewState(uuid.NewString(), e.cfg.MaxQALoops, time.Now().UTC())
	if _, err := e.register(ctx, st); err != nil {
		return "", err
	}
	e.logger.Session(st.SessionID).Info("Created session")
	return st.SessionID, nil
}

// QuickStart creates a session from a complete order form, skipping clarification.
func (e *Engine) QuickStart(ctx context.Context, form slides.OrderForm) (string, *slides.OrderForm, error) {
	form.Normalize()
	if err := form.Validate(); err != nil {
		return "", nil, err
	}
	form.IsComplete = true

	st := NewState(uuid.NewString(), e.cfg.MaxQALoops, time.Now().UTC())
	st.Status = StatusClarificationComplete
	st.CurrentStage = stages.Clarifier
	st.OrderForm = &form
	if _, err := e.register(ctx, st); err != nil {
		return "", nil, err
	}
	e.logger.Session(st.SessionID).Info("Quick-started session %q (%d slides)", form.Title, form.TargetSlides)
	out := form
	return st.SessionID, &out, nil
}

// Status returns the last published status without waiting on a running transition.
func (e *Engine) Status(ctx context.Context, id string) (StatusView, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return s.current().View(), nil
}

// State returns a copy of the full session state.
func (e *Engine) State(ctx context.Context, id string) (*State, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.current().Clone(), nil
}

// Result returns the finished presentation. A failed session yields a
// *FailedError carrying partial results; any other status ErrNotCompleted.
func (e *Engine) Result(ctx context.Context, id string) (*slides.GeneratedPresentation, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	st := s.current()
	switch st.Status {
	case StatusCompleted:
		return st.Clone().GeneratedPresentation, nil
	case StatusFailed:
		c := st.Clone()
		return nil, &FailedError{
			SessionID:       id,
			Message:         c.ErrorMessage,
			FailureReportID: c.FailureReportID,
			Partial:         c.partial(),
		}
	default:
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotCompleted, id, st.Status)
	}
}

// Metrics returns the session's usage ledger summary.
func (e *Engine) Metrics(ctx context.Context, id string) (usage.SessionMetrics, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return usage.SessionMetrics{}, err
	}
	return s.usage.Snapshot(), nil
}

// FailureReports lists escalation reports, newest first.
func (e *Engine) FailureReports(ctx context.Context, f recovery.ReportFilter) ([]recovery.FailureReport, error) {
	reports, err := e.reports.ListFailureReports(ctx, f)
	if err != nil {
		return nil, recovery.Infrastructure(err)
	}
	return reports, nil
}

// ResetRetryBudget clears a stage's recovery attempts, or all stages when stage
// is empty. It is an operator action and never changes the session status.
func (e *Engine) ResetRetryBudget(ctx context.Context, id, stage string) error {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.Reset(stage)
	if err := e.apply(ctx, s, persistStrict, func(*State) (*notice, error) { return nil, nil }); err != nil {
		return err
	}
	e.logger.Session(id).Info("Retry budget reset (stage=%q)", stage)
	return nil
}

// Resume reloads every non-terminal session from the store. Sessions that were
// generating restart their pipeline from the last checkpoint; an interrupted
// synthesis returns to clarification. It returns the number of sessions loaded.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	recs, err := e.store.ListSessions(ctx, persistence.SessionFilter{Statuses: []string{
		string(StatusSynthesizing), string(StatusAwaitingClarification), string(StatusClarificationComplete),
		string(StatusAwaitingOutlineApproval), string(StatusOutlineApproved), string(StatusGenerating),
		string(StatusQAInProgress),
	}})
	if err != nil {
		return 0, recovery.Infrastructure(fmt.Errorf("failed to list sessions: %w", err))
	}

	loaded := 0
	for i := range recs {
		s, err := e.lookup(ctx, recs[i].SessionID)
		if err != nil {
			e.logger.Warn("Skipping unreadable session %s: %v", recs[i].SessionID, err)
			continue
		}
		loaded++
		switch st := s.current(); {
		case st.Status == StatusSynthesizing:
			err = e.update(ctx, s, persistStrict, func(st *State) (*notice, error) {
				return nil, st.TransitionTo(StatusAwaitingClarification)
			})
			if err != nil {
				e.logger.Session(s.id).Warn("Failed to reset interrupted synthesis: %v", err)
			}
		case st.Status.Running():
			if e.spawn(s) {
				e.logger.Session(s.id).Info("Resuming generation from %s (stage %s)", st.Status, st.CurrentStage)
			}
		}
	}
	return loaded, nil
}

// Evict drops idle sessions from the registry. Terminal sessions and paused
// sessions are both durable, so a later lookup reloads them from the store.
func (e *Engine) Evict(now time.Time) int {
	cutoff := now.Add(-e.cfg.SessionTTL).UnixNano()

	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, s := range e.sessions {
		if s.running.Load() || s.touched.Load() > cutoff {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		delete(e.sessions, id)
		s.mu.Unlock()
		evicted++
	}
	if evicted > 0 {
		e.logger.Info("Evicted %d idle sessions", evicted)
	}
	return evicted
}

// StartJanitor evicts idle sessions every JanitorInterval until Close.
func (e *Engine) StartJanitor() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.janitorStop != nil {
		return
	}
	e.janitorStop = make(chan struct{})
	e.janitorDone = make(chan struct{})
	go func() {
		defer close(e.janitorDone)
		ticker := time.NewTicker(e.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.janitorStop:
				return
			case now := <-ticker.C:
				e.Evict(now)
			}
		}
	}()
}

// Close stops accepting work and waits for background pipelines. When ctx
// ends first, running pipelines are cancelled; they stop at their next
// checkpoint and resume on the next start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop, done := e.janitorStop, e.janitorDone
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	finished := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-finished
	}
	e.cancel()
	e.broker.Close()
	if e.ownsStore {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
