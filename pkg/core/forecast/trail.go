package forecast

import "sync"

// Research trail step tags.
const (
	StepAnalysis   = "analysis"
	StepResearch   = "research"
	StepForecast   = "forecast"
	StepValidation = "validation"
)

// StepMetadata is the resource cost of one step.
type StepMetadata struct {
	TokensUsed int      `json:"tokens_used"`
	Sources    []string `json:"sources,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Degraded   bool     `json:"degraded,omitempty"`
}

// StepRecord is one entry of the research trail.
type StepRecord struct {
	Step     string       `json:"step"`
	Input    string       `json:"input"`
	Output   any          `json:"output"`
	Metadata StepMetadata `json:"metadata"`
}

// Trail is the append-only research trail of a run. It is safe to read
// while the run appends.
type Trail struct {
	mu      sync.RWMutex
	records []StepRecord
}

func (t *Trail) Append(records ...StepRecord) {
	if len(records) == 0 {
		return
	}
	t.mu.Lock()
	t.records = append(t.records, records...)
	t.mu.Unlock()
}

// Snapshot returns a copy of the records in execution order.
func (t *Trail) Snapshot() []StepRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StepRecord, len(t.records))
	copy(out, t.records)
	return out
}

func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
