// Package forecast runs the agentic forecasting pipeline: plan research,
// search, draft projections, self-validate, optionally research again, then
// value the draft server-side.
//
// A run is a sequential state machine over one Conversation and one
// RunBudget. Runs share nothing but the result cache and the run registry;
// identical cacheable requests that overlap are served by a single run.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"fincast/pkg/core/llm"
	"fincast/pkg/core/prompt"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/valuation"
)

// State is a pipeline state.
type State string

const (
	StateInit             State = "init"
	StateAnalyzing        State = "analyzing"
	StateResearching      State = "researching"
	StateDrafting         State = "drafting"
	StateValidating       State = "validating"
	StateExtraResearching State = "extra_researching"
	StateRedrafting       State = "redrafting"
	StateValuating        State = "valuating"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// ErrInvalidRequest marks caller errors such as a missing ticker.
var ErrInvalidRequest = errors.New("invalid forecast request")

// Config bounds a run. Zero counts and pricing take DefaultConfig values;
// zero timeouts mean no timeout.
type Config struct {
	MaxLLMCalls          int
	ResearchQueries      int
	ExtraResearchQueries int
	SearchMaxUses        int
	CallTimeout          time.Duration
	RunTimeout           time.Duration
	HorizonYears         int
	// RedraftAfterExtraResearch re-invokes the drafter when the extra
	// research pass found something and a call is left.
	RedraftAfterExtraResearch bool
	Pricing                   Pricing
	CacheTTL                  time.Duration
}

// DefaultConfig returns the stock budget: 6 calls, 2 queries per pass.
func DefaultConfig() Config {
	return Config{
		MaxLLMCalls:               6,
		ResearchQueries:           2,
		ExtraResearchQueries:      2,
		SearchMaxUses:             2,
		CallTimeout:               60 * time.Second,
		RunTimeout:                300 * time.Second,
		HorizonYears:              5,
		RedraftAfterExtraResearch: true,
		Pricing:                   DefaultPricing,
		CacheTTL:                  time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLLMCalls <= 0 {
		c.MaxLLMCalls = d.MaxLLMCalls
	}
	if c.ResearchQueries < 0 {
		c.ResearchQueries = d.ResearchQueries
	}
	if c.ExtraResearchQueries < 0 {
		c.ExtraResearchQueries = d.ExtraResearchQueries
	}
	if c.SearchMaxUses <= 0 {
		c.SearchMaxUses = d.SearchMaxUses
	}
	if c.HorizonYears <= 0 {
		c.HorizonYears = d.HorizonYears
	}
	if c.Pricing == (Pricing{}) {
		c.Pricing = d.Pricing
	}
	return c
}

// mandatoryAfterResearch is drafting plus validation.
const mandatoryAfterResearch = 2

// extraResearchMinCalls is the budget needed before a follow-up pass runs.
const extraResearchMinCalls = 2

// RunRecorder persists finished runs. Failures are logged, never fatal.
type RunRecorder interface {
	SaveRun(ctx context.Context, status RunStatus) error
}

// Forecaster runs forecasts against one gateway. It is safe for concurrent
// use; each call to GenerateForecast owns its own budget and conversation.
type Forecaster struct {
	gateway  llm.Gateway
	cfg      Config
	prompts  *prompt.Registry
	logger   *slog.Logger
	cache    *Cache[string, *ForecastResult]
	cacheSet bool
	runs     *Registry
	recorder RunRecorder
	flight   singleflight.Group

	planner    *Planner
	researcher *Researcher
	drafter    *Drafter
	validator  *Validator
}

// Option configures a Forecaster.
type Option func(*Forecaster)

func WithLogger(l *slog.Logger) Option { return func(f *Forecaster) { f.logger = l } }

// WithPrompts uses r instead of the global prompt registry.
func WithPrompts(r *prompt.Registry) Option { return func(f *Forecaster) { f.prompts = r } }

func WithRecorder(rec RunRecorder) Option { return func(f *Forecaster) { f.recorder = rec } }

func WithRegistry(r *Registry) Option { return func(f *Forecaster) { f.runs = r } }

// WithCache replaces the result cache. A nil cache disables caching.
func WithCache(c *Cache[string, *ForecastResult]) Option {
	return func(f *Forecaster) { f.cache, f.cacheSet = c, true }
}

// New builds a Forecaster. The default forecast prompts are registered on
// the prompt registry if not already loaded.
func New(gateway llm.Gateway, cfg Config, opts ...Option) *Forecaster {
	f := &Forecaster{
		gateway: gateway,
		cfg:     cfg.withDefaults(),
		prompts: prompt.Get(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.cacheSet {
		f.cache = NewCache[string, *ForecastResult](f.cacheTTL())
	}
	if f.runs == nil {
		f.runs = NewRegistry(DefaultRetention)
	}
	RegisterDefaultPrompts(f.prompts)

	f.planner = &Planner{Prompts: f.prompts, Horizon: f.cfg.HorizonYears, Logger: f.logger}
	f.researcher = &Researcher{Prompts: f.prompts, Logger: f.logger}
	f.drafter = &Drafter{Prompts: f.prompts, Horizon: f.cfg.HorizonYears, Logger: f.logger}
	f.validator = &Validator{Prompts: f.prompts, Logger: f.logger}
	return f
}

func (f *Forecaster) cacheTTL() time.Duration {
	if f.cfg.CacheTTL > 0 {
		return f.cfg.CacheTTL
	}
	return time.Hour
}

// Config returns the effective configuration.
func (f *Forecaster) Config() Config { return f.cfg }

// Runs returns the run registry.
func (f *Forecaster) Runs() *Registry { return f.runs }

// ClearCache drops all cached results.
func (f *Forecaster) ClearCache() int {
	if f.cache == nil {
		return 0
	}
	return f.cache.Clear()
}

// Close stops background sweeps.
func (f *Forecaster) Close() {
	if f.cache != nil {
		f.cache.Close()
	}
	f.runs.Close()
}

// runState is the working set of one run, threaded through the handlers.
type runState struct {
	run           *Run
	ticker        string
	snap          *snapshot.CompanySnapshot
	priorInsights string
	opts          Options
	conv          *Conversation
	log           *slog.Logger

	plan           *ResearchPlan
	findings       []ResearchFinding
	researchIssued int
	draft          *DraftForecast
	validation     *ValidationResult
	extraRan       bool
	redrafted      bool
	valuation      valuation.Valuation

	failedStep string
}

// handler runs one state and names the next. Entries are appended to the
// trail before err is acted on.
type handler func(ctx context.Context, rs *runState) (State, []StepRecord, error)

func (f *Forecaster) handlerFor(s State) handler {
	switch s {
	case StateInit:
		return f.start
	case StateAnalyzing:
		return f.analyze
	case StateResearching:
		return f.research
	case StateDrafting:
		return f.draft
	case StateValidating:
		return f.validate
	case StateExtraResearching:
		return f.extraResearch
	case StateRedrafting:
		return f.redraft
	case StateValuating:
		return f.value
	}
	return nil
}

// GenerateForecast runs the pipeline for ticker. priorInsights may be
// empty. On failure the error is a *RunError carrying the spend and the
// trail so far; the run also stays visible in Runs().
func (f *Forecaster) GenerateForecast(ctx context.Context, ticker string, snap *snapshot.CompanySnapshot, priorInsights string, opts Options) (*ForecastResult, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", ErrInvalidRequest)
	}
	if snap == nil {
		snap = &snapshot.CompanySnapshot{Ticker: ticker}
	}
	opts = opts.normalized()

	key := cacheKey(ticker, opts)
	useCache := f.cache != nil && !opts.SkipCache && opts.Feedback == ""
	if useCache {
		if cached, ok := f.cache.Get(key); ok {
			hit := *cached
			hit.CacheHit = true
			f.logger.Info("forecast cache hit", "ticker", ticker, "method", opts.Method, "run_id", cached.RunID)
			return &hit, nil
		}
		// Identical cacheable requests in flight share one run. The
		// first caller's context governs it.
		v, err, shared := f.flight.Do(key, func() (interface{}, error) {
			return f.execute(ctx, ticker, snap, priorInsights, opts, key, true)
		})
		if err != nil {
			return nil, err
		}
		if shared {
			f.logger.Debug("joined in-flight forecast", "ticker", ticker, "method", opts.Method)
			res := *v.(*ForecastResult)
			return &res, nil
		}
		return v.(*ForecastResult), nil
	}
	return f.execute(ctx, ticker, snap, priorInsights, opts, key, false)
}

// execute runs the state machine once and caches the result when asked.
func (f *Forecaster) execute(ctx context.Context, ticker string, snap *snapshot.CompanySnapshot, priorInsights string, opts Options, key string, useCache bool) (*ForecastResult, error) {
	if f.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RunTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	budget := NewRunBudget(f.cfg.MaxLLMCalls, f.cfg.Pricing)
	run := newRun(id, ticker, opts.Method, budget)
	f.runs.add(run)

	log := f.logger.With("run_id", id, "ticker", ticker)
	rs := &runState{
		run:           run,
		ticker:        ticker,
		snap:          snap,
		priorInsights: priorInsights,
		opts:          opts,
		conv:          NewConversation(f.gateway, budget, f.cfg.CallTimeout, f.cfg.SearchMaxUses, log),
		log:           log,
	}

	ctx, span := tracer.Start(ctx, "forecast.run", trace.WithAttributes(
		attribute.String("run_id", id),
		attribute.String("ticker", ticker),
		attribute.String("method", string(opts.Method)),
	))
	defer span.End()

	log.Info("starting agentic forecast", "method", opts.Method, "multiple_type", opts.MultipleType, "max_llm_calls", budget.Max())

	state := StateInit
	for state != StateDone {
		h := f.handlerFor(state)
		if h == nil {
			return nil, f.fail(ctx, rs, state, fmt.Errorf("no handler for state %q", state))
		}

		stateCtx, stateSpan := tracer.Start(ctx, "forecast."+string(state))
		next, entries, err := h(stateCtx, rs)
		run.trail.Append(entries...)
		if err != nil {
			stateSpan.RecordError(err)
			stateSpan.SetStatus(codes.Error, err.Error())
			stateSpan.End()
			span.SetStatus(codes.Error, err.Error())
			return nil, f.fail(ctx, rs, state, err)
		}
		stateSpan.End()

		log.Debug("state transition", "from", state, "to", next)
		state = next
		run.setState(state)
	}

	result := f.assemble(rs)
	run.finish(result, nil)
	metrics.recordRun(ctx, StateDone, string(opts.Method))
	f.save(rs)

	log.Info("agentic forecast complete",
		"fair_value", result.FairValue,
		"total_time_seconds", result.TotalTimeSeconds,
		"total_cost", result.TotalCost,
		"llm_calls", result.LLMCalls,
		"web_searches", result.WebSearches)

	if useCache {
		f.cache.Set(key, result)
	}
	return result, nil
}

func (f *Forecaster) start(_ context.Context, _ *runState) (State, []StepRecord, error) {
	return StateAnalyzing, nil, nil
}

func (f *Forecaster) analyze(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("step 1: initial analysis")
	plan, rec, err := f.planner.Plan(ctx, rs.conv, rs.ticker, rs.snap, rs.priorInsights)
	if err != nil {
		rs.failedStep = StepAnalysis
		return StateFailed, nil, err
	}
	rs.plan = plan
	return StateResearching, []StepRecord{rec}, nil
}

func (f *Forecaster) research(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("step 2: web research", "planned_queries", len(rs.plan.ResearchQuestions))
	before := rs.conv.Budget().Snapshot().CallsUsed
	findings, recs, err := f.researcher.Research(ctx, rs.conv, rs.ticker, rs.snap.Name(), rs.plan.ResearchQuestions, ResearchPass{
		Limit:   f.cfg.ResearchQueries,
		Reserve: mandatoryAfterResearch,
	})
	// every issued query reserves exactly one call
	rs.researchIssued = rs.conv.Budget().Snapshot().CallsUsed - before
	rs.findings = append(rs.findings, findings...)
	if err != nil {
		rs.failedStep = StepResearch
		return StateFailed, recs, err
	}
	return StateDrafting, recs, nil
}

func (f *Forecaster) draft(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("step 3: draft forecast", "findings", len(rs.findings))
	draft, rec, err := f.drafter.Draft(ctx, rs.conv, rs.ticker, rs.snap, rs.findings, rs.opts, false)
	if err != nil {
		rs.failedStep = StepForecast
		return StateFailed, nil, err
	}
	rs.draft = draft
	return StateValidating, []StepRecord{rec}, nil
}

func (f *Forecaster) validate(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("step 4: validation")
	v, rec, err := f.validator.Validate(ctx, rs.conv, rs.ticker, rs.draft, rs.snap)
	if err != nil {
		rs.failedStep = StepValidation
		return StateFailed, nil, err
	}
	rs.validation = v

	remaining := rs.conv.Budget().Snapshot().Remaining()
	if v.NeedsMoreResearch && len(v.AdditionalResearchNeeded) > 0 && remaining >= extraResearchMinCalls {
		return StateExtraResearching, []StepRecord{rec}, nil
	}
	return StateValuating, []StepRecord{rec}, nil
}

func (f *Forecaster) extraResearch(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("additional research triggered by validation", "queries", len(rs.validation.AdditionalResearchNeeded))
	reserve := 0
	if f.cfg.RedraftAfterExtraResearch {
		reserve = 1
	}
	findings, recs, err := f.researcher.Research(ctx, rs.conv, rs.ticker, rs.snap.Name(), questionsFrom(rs.validation.AdditionalResearchNeeded), ResearchPass{
		Limit:   f.cfg.ExtraResearchQueries,
		Reserve: reserve,
		Offset:  rs.researchIssued,
	})
	rs.extraRan = true
	rs.findings = append(rs.findings, findings...)
	if err != nil {
		rs.failedStep = StepResearch
		return StateFailed, recs, err
	}

	if f.cfg.RedraftAfterExtraResearch && len(findings) > 0 && rs.conv.Budget().Snapshot().Remaining() >= 1 {
		return StateRedrafting, recs, nil
	}
	return StateValuating, recs, nil
}

// redraft keeps the original draft if the call fails: the run already has
// a usable forecast at this point.
func (f *Forecaster) redraft(ctx context.Context, rs *runState) (State, []StepRecord, error) {
	rs.log.Info("re-drafting forecast with additional research", "findings", len(rs.findings))
	draft, rec, err := f.drafter.Draft(ctx, rs.conv, rs.ticker, rs.snap, rs.findings, rs.opts, true)
	if err != nil {
		rs.log.Warn("re-draft failed, keeping original draft", "error", err)
		return StateValuating, nil, nil
	}
	rs.draft = draft
	rs.redrafted = true
	return StateValuating, []StepRecord{rec}, nil
}

func (f *Forecaster) value(_ context.Context, rs *runState) (State, []StepRecord, error) {
	rs.valuation = valuation.Compute(rs.draft.Projections, rs.draft.Params, rs.snap)
	if issue := rs.valuation.Breakdown.CalculationIssue; issue != "" {
		rs.log.Warn("valuation degraded", "calculation_issue", issue)
	}
	return StateDone, nil, nil
}

func (f *Forecaster) fail(ctx context.Context, rs *runState, state State, err error) error {
	b := rs.conv.Budget().Snapshot()
	runErr := &RunError{
		RunID:        rs.run.ID,
		Step:         rs.failedStep,
		State:        state,
		Err:          err,
		CallsUsed:    b.CallsUsed,
		WebSearches:  b.WebSearches,
		InputTokens:  b.InputTokens,
		OutputTokens: b.OutputTokens,
		Cost:         b.Cost,
		Trail:        rs.run.trail.Snapshot(),
	}
	rs.run.finish(nil, runErr)
	metrics.recordRun(ctx, StateFailed, string(rs.opts.Method))
	rs.log.Error("agentic forecast failed",
		"state", state,
		"step", rs.failedStep,
		"llm_calls", b.CallsUsed,
		"total_cost", b.Cost,
		"trail_len", len(runErr.Trail),
		"error", err)
	f.save(rs)
	return runErr
}

// save persists the run on a fresh context so a timed-out run is still
// recorded.
func (f *Forecaster) save(rs *runState) {
	if f.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.recorder.SaveRun(ctx, rs.run.Status()); err != nil {
		rs.log.Warn("failed to persist forecast run", "error", err)
	}
}

func (f *Forecaster) assemble(rs *runState) *ForecastResult {
	b := rs.conv.Budget().Snapshot()
	v := rs.valuation
	d := rs.draft

	res := &ForecastResult{
		RunID:                  rs.run.ID,
		Ticker:                 rs.ticker,
		CompanyName:            rs.snap.Name(),
		Source:                 SourceAgentic,
		Method:                 d.Params.Method,
		FairValue:              v.FairValuePerShare,
		CurrentPrice:           v.CurrentPrice,
		Upside:                 v.UpsidePct,
		CAGR:                   v.CAGRPct,
		Projections:            d.Projections,
		Historical:             rs.snap.Historical,
		Breakdown:              v.Breakdown,
		ModelReportedFairValue: d.ModelReportedFairValue,
		ResearchTrail:          rs.run.trail.Snapshot(),
		ConfidenceScores:       rs.validation.ConfidenceScores,
		KeyAssumptions:         d.KeyAssumptions,
		ValidationPassed:       rs.validation.ValidationPassed,
		ValidationSuggestions:  rs.validation.Suggestions,
		ExtraResearch:          rs.extraRan,
		Redrafted:              rs.redrafted,
		LLMCalls:               b.CallsUsed,
		WebSearches:            b.WebSearches,
		InputTokens:            b.InputTokens,
		OutputTokens:           b.OutputTokens,
		TotalCost:              b.Cost,
		TotalTimeSeconds:       b.ElapsedSeconds,
		GeneratedAt:            time.Now().UTC(),
	}
	if res.Historical == nil {
		res.Historical = []snapshot.YearRecord{}
	}
	if d.Params.Method == valuation.MethodDCF {
		res.WACC, res.TerminalGrowthRate = d.Params.WACC, d.Params.TerminalGrowth
	} else {
		res.ExitMultipleType, res.ExitMultipleValue = d.Params.MultipleType, d.Params.MultipleValue
	}

	issues := make([]string, 0, len(rs.validation.IssuesFound)+len(d.Issues))
	issues = append(issues, rs.validation.IssuesFound...)
	issues = append(issues, d.Issues...)
	res.ValidationIssues = issues

	texts := make([]string, 0, len(rs.findings))
	for _, fnd := range rs.findings {
		texts = append(texts, fnd.Findings)
	}
	res.LatestDevelopments = strings.Join(texts, "\n\n")
	return res
}
