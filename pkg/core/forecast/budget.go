package forecast

import (
	"sync"
	"time"
)

// Pricing holds per-million-token prices and the per-search price in USD.
type Pricing struct {
	InputTokenPrice  float64 `yaml:"input_token_price" json:"input_token_price"`
	OutputTokenPrice float64 `yaml:"output_token_price" json:"output_token_price"`
	WebSearchPrice   float64 `yaml:"web_search_price" json:"web_search_price"`
}

// DefaultPricing matches a small Claude-class model with server-side search.
var DefaultPricing = Pricing{
	InputTokenPrice:  0.80,
	OutputTokenPrice: 4.00,
	WebSearchPrice:   0.01,
}

// Cost prices a usage total.
func (p Pricing) Cost(inputTokens, outputTokens, webSearches int) float64 {
	return float64(inputTokens)/1e6*p.InputTokenPrice +
		float64(outputTokens)/1e6*p.OutputTokenPrice +
		float64(webSearches)*p.WebSearchPrice
}

// RunBudget counts the resources one run consumes. Only Conversation
// mutates it; everything else reads Snapshot.
type RunBudget struct {
	mu           sync.Mutex
	maxCalls     int
	callsUsed    int
	webSearches  int
	inputTokens  int
	outputTokens int
	start        time.Time
	pricing      Pricing
}

// NewRunBudget starts the wall clock.
func NewRunBudget(maxCalls int, pricing Pricing) *RunBudget {
	return &RunBudget{maxCalls: maxCalls, pricing: pricing, start: time.Now()}
}

// BudgetSnapshot is a point-in-time copy of a RunBudget.
type BudgetSnapshot struct {
	CallsUsed      int     `json:"llm_calls"`
	CallsMax       int     `json:"llm_calls_max"`
	WebSearches    int     `json:"web_searches"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	Cost           float64 `json:"total_cost"`
	ElapsedSeconds float64 `json:"total_time_seconds"`
}

// Remaining returns the number of calls left.
func (s BudgetSnapshot) Remaining() int {
	if s.CallsMax <= s.CallsUsed {
		return 0
	}
	return s.CallsMax - s.CallsUsed
}

func (b *RunBudget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetSnapshot{
		CallsUsed:      b.callsUsed,
		CallsMax:       b.maxCalls,
		WebSearches:    b.webSearches,
		InputTokens:    b.inputTokens,
		OutputTokens:   b.outputTokens,
		Cost:           b.pricing.Cost(b.inputTokens, b.outputTokens, b.webSearches),
		ElapsedSeconds: time.Since(b.start).Seconds(),
	}
}

// CallsUsed returns the number of calls issued so far.
func (b *RunBudget) CallsUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callsUsed
}

// Max returns the call ceiling.
func (b *RunBudget) Max() int { return b.maxCalls }

// reserve claims one call slot, or fails without side effects.
func (b *RunBudget) reserve() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callsUsed >= b.maxCalls {
		return b.callsUsed, ErrBudgetExceeded
	}
	b.callsUsed++
	return b.callsUsed, nil
}

func (b *RunBudget) record(inputTokens, outputTokens, searches int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputTokens += inputTokens
	b.outputTokens += outputTokens
	b.webSearches += searches
}
