package forecast

import (
	"sort"
	"sync"
	"time"

	"fincast/pkg/core/valuation"
)

// Run is the live record of one forecast invocation. Its trail and budget
// can be read while the run is in progress.
type Run struct {
	ID     string
	Ticker string
	Method valuation.Method

	mu         sync.RWMutex
	state      State
	trail      *Trail
	budget     *RunBudget
	result     *ForecastResult
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newRun(id, ticker string, method valuation.Method, budget *RunBudget) *Run {
	return &Run{
		ID:        id,
		Ticker:    ticker,
		Method:    method,
		state:     StateInit,
		trail:     &Trail{},
		budget:    budget,
		startedAt: time.Now(),
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) finish(result *ForecastResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result, r.err = result, err
	r.finishedAt = time.Now()
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateDone
	}
}

func (r *Run) terminal() (bool, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == StateDone || r.state == StateFailed, r.finishedAt
}

// RunStatus is a point-in-time view of a Run.
type RunStatus struct {
	RunID      string           `json:"run_id"`
	Ticker     string           `json:"ticker"`
	Method     valuation.Method `json:"method"`
	State      State            `json:"state"`
	Budget     BudgetSnapshot   `json:"budget"`
	Trail      []StepRecord     `json:"research_trail"`
	Result     *ForecastResult  `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Status snapshots the run.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RunStatus{
		RunID:     r.ID,
		Ticker:    r.Ticker,
		Method:    r.Method,
		State:     r.state,
		Budget:    r.budget.Snapshot(),
		Trail:     r.trail.Snapshot(),
		Result:    r.result,
		StartedAt: r.startedAt,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		st.FinishedAt = &t
	}
	return st
}

// Registry indexes runs by ID. Finished runs are evicted after Retention.
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	retention time.Duration
	stop      chan struct{}
	once      sync.Once
}

// DefaultRetention keeps finished runs discoverable for a day.
const DefaultRetention = 24 * time.Hour

// NewRegistry starts the hourly eviction sweep; Close stops it.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		runs:      make(map[string]*Run),
		retention: retention,
		stop:      make(chan struct{}),
	}
	go r.cleanup()
	return r
}

func (r *Registry) add(run *Run) {
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()
}

// Get returns the run with id.
func (r *Registry) Get(id string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok
}

// Active returns the IDs of runs still in progress, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, run := range r.runs {
		if done, _ := run.terminal(); !done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evict(time.Now())
		}
	}
}

// evict removes finished runs older than the retention window.
func (r *Registry) evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, run := range r.runs {
		if done, at := run.terminal(); done && now.Sub(at) > r.retention {
			delete(r.runs, id)
			n++
		}
	}
	return n
}
