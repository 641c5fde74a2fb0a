package forecast

import (
	"context"
	"strings"
	"sync"

	"fincast/pkg/core/llm"
	"fincast/pkg/core/snapshot"
)

// MockGateway records every request and answers through CompleteFunc.
type MockGateway struct {
	mu           sync.Mutex
	Requests     []llm.Request
	CompleteFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

func (m *MockGateway) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, req)
}

func (m *MockGateway) Steps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]string, len(m.Requests))
	for i, r := range m.Requests {
		steps[i] = r.Step
	}
	return steps
}

func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// request returns the first request for step.
func (m *MockGateway) request(step string) (llm.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Requests {
		if r.Step == step {
			return r, true
		}
	}
	return llm.Request{}, false
}

func reply(text string) *llm.Response {
	return &llm.Response{
		Blocks: []llm.Block{{Type: llm.BlockText, Text: text}},
		Usage:  llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func searchReply(text string, urls ...string) *llm.Response {
	return &llm.Response{
		Blocks: []llm.Block{
			{Type: llm.BlockText, Text: "Let me search. "},
			{Type: llm.BlockSearchResult, URLs: urls},
			{Type: llm.BlockText, Text: text},
		},
		Usage: llm.Usage{InputTokens: 200, OutputTokens: 80},
	}
}

// scripted answers by exact step name first, then by step family
// ("research_2" -> "research"). Steps in failures return that error.
func scripted(replies map[string]string, failures map[string]error) *MockGateway {
	return &MockGateway{
		CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			if err, ok := failures[req.Step]; ok {
				return nil, err
			}
			text, ok := replies[req.Step]
			if !ok {
				family, _, _ := strings.Cut(req.Step, "_")
				text = replies[family]
			}
			if req.Search != nil {
				return searchReply(text, "https://example.com/"+req.Step), nil
			}
			return reply(text), nil
		},
	}
}

const planReply = `Here is my plan:
{
  "data_quality_issues": ["segment data missing"],
  "key_assumptions": ["pricing holds", "share gains continue"],
  "research_questions": [
    {"question": "ACME 2025 revenue guidance", "priority": "high", "rationale": "anchors growth"},
    {"question": "ACME gross margin outlook", "priority": "high", "rationale": "mix shift"},
    {"question": "ACME competitor pricing", "priority": "medium", "rationale": "competition"}
  ],
  "metrics_to_focus": ["revenue", "fcf"]
}`

const onePlanReply = `{"research_questions": [{"question": "ACME 2025 revenue guidance", "priority": "high", "rationale": "anchors growth"}]}`

const researchReply = "Management guided to mid-single-digit growth."

const draftReply = "```json\n" + `{
  "projections": [
    {"year": "2025", "revenue": 1000, "revenueGrowth": 0, "grossMargin": 40, "ebitdaMargin": 25, "fcfMargin": 20, "netIncome": 150, "eps": 1.5},
    {"year": "2026", "revenue": 1000, "revenueGrowth": 0, "grossMargin": 40, "ebitdaMargin": 25, "fcfMargin": 20, "netIncome": 200, "eps": 2},
    {"year": "2027", "revenue": 1000, "revenueGrowth": 0, "grossMargin": 40, "ebitdaMargin": 25, "fcfMargin": 20, "netIncome": 300, "eps": 3},
    {"year": "2028", "revenue": 1000, "revenueGrowth": 0, "grossMargin": 40, "ebitdaMargin": 25, "fcfMargin": 20, "netIncome": 400, "eps": 4},
    {"year": "2029", "revenue": 1000, "revenueGrowth": 0, "grossMargin": 40, "ebitdaMargin": 25, "fcfMargin": 20, "netIncome": 500, "eps": 5}
  ],
  "fair_value_per_share": 999,
  "exit_multiple_type": "P/E",
  "exit_multiple_value": 20,
  "wacc": 0.10,
  "terminal_growth_rate": 0.02,
  "key_assumptions": [{"assumption": "flat revenue", "source": "Research 1"}]
}` + "\n```"

const validationReply = `{
  "validation_passed": true,
  "confidence_scores": {"revenue": "High", "margins": "medium", "fcf": "low"},
  "issues_found": [],
  "suggestions": ["check margins"],
  "needs_more_research": false,
  "additional_research_needed": []
}`

const moreResearchReply = `{
  "validation_passed": false,
  "confidence_scores": {"revenue": "low"},
  "issues_found": ["growth unsupported"],
  "needs_more_research": true,
  "additional_research_needed": ["ACME backlog", "ACME pricing power", "ACME capex plans"]
}`

func happyReplies() map[string]string {
	return map[string]string{
		StepAnalysis:   planReply,
		StepResearch:   researchReply,
		StepForecast:   draftReply,
		StepValidation: validationReply,
	}
}

func testSnapshot() *snapshot.CompanySnapshot {
	return &snapshot.CompanySnapshot{
		Ticker:      "ACME",
		CompanyName: "Acme Corp",
		Latest: snapshot.Financials{
			Revenue:           1e9,
			GrossMarginPct:    40,
			EBITDA:            250e6,
			NetIncome:         120e6,
			EPS:               1.2,
			SharesOutstanding: 100e6,
			FCFMarginPct:      20,
		},
		Market: snapshot.MarketData{CurrentPrice: 50},
		Historical: []snapshot.YearRecord{
			{Year: "FY23", Revenue: 950e6},
			{Year: "FY24", Revenue: 1e9},
		},
	}
}
