package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fincast/pkg/core/llm"
)

func TestConversation_HistoryOrder(t *testing.T) {
	gw := scripted(map[string]string{"a": "first answer", "b": "second answer"}, nil)
	conv := NewConversation(gw, NewRunBudget(6, DefaultPricing), time.Second, 2, nil)

	if _, err := conv.Call(context.Background(), "sys", "first question", false, "a"); err != nil {
		t.Fatalf("call a: %v", err)
	}
	if _, err := conv.Call(context.Background(), "sys", "second question", false, "b"); err != nil {
		t.Fatalf("call b: %v", err)
	}

	want := []llm.Message{
		{Role: llm.RoleUser, Content: "first question"},
		{Role: llm.RoleAssistant, Content: "first answer"},
		{Role: llm.RoleUser, Content: "second question"},
		{Role: llm.RoleAssistant, Content: "second answer"},
	}
	got := conv.History()
	if len(got) != len(want) {
		t.Fatalf("history has %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	second, _ := gw.request("b")
	if len(second.Messages) != 3 {
		t.Errorf("second request carried %d messages, want 3", len(second.Messages))
	}
	if second.SystemPrompt != "sys" {
		t.Errorf("system prompt = %q", second.SystemPrompt)
	}
}

func TestConversation_SearchSeparatesSources(t *testing.T) {
	gw := &MockGateway{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Search == nil || req.Search.MaxUses != 2 {
			t.Errorf("expected search tool with max uses 2, got %+v", req.Search)
		}
		return &llm.Response{
			Blocks: []llm.Block{
				{Type: llm.BlockText, Text: "Part one. "},
				{Type: llm.BlockSearchResult, URLs: []string{"https://a.example", "https://b.example"}},
				{Type: llm.BlockText, Text: "Part two."},
				{Type: llm.BlockSearchResult, URLs: []string{"https://c.example"}},
			},
			Usage: llm.Usage{InputTokens: 1000, OutputTokens: 500},
		}, nil
	}}
	budget := NewRunBudget(6, DefaultPricing)
	conv := NewConversation(gw, budget, time.Second, 2, nil)

	res, err := conv.Call(context.Background(), "sys", "q", true, "research_1")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Text != "Part one. Part two." {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Sources) != 3 || res.Sources[0] != "https://a.example" || res.Sources[2] != "https://c.example" {
		t.Errorf("sources = %v", res.Sources)
	}
	if res.Tokens() != 1500 {
		t.Errorf("tokens = %d, want 1500", res.Tokens())
	}

	snap := budget.Snapshot()
	if snap.CallsUsed != 1 || snap.WebSearches != 2 || snap.InputTokens != 1000 || snap.OutputTokens != 500 {
		t.Errorf("unexpected budget %+v", snap)
	}
	wantCost := 1000.0/1e6*0.80 + 500.0/1e6*4.00 + 2*0.01
	if math.Abs(snap.Cost-wantCost) > 1e-12 {
		t.Errorf("cost = %v, want %v", snap.Cost, wantCost)
	}
}

func TestConversation_BudgetCheckedBeforeCall(t *testing.T) {
	gw := scripted(map[string]string{"a": "ok"}, nil)
	conv := NewConversation(gw, NewRunBudget(1, DefaultPricing), time.Second, 2, nil)

	if _, err := conv.Call(context.Background(), "", "one", false, "a"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := conv.Call(context.Background(), "", "two", false, "a")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if gw.Calls() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.Calls())
	}
	if len(conv.History()) != 2 {
		t.Errorf("rejected call changed history: %d messages", len(conv.History()))
	}
	if conv.Budget().CallsUsed() != 1 {
		t.Errorf("calls used = %d, want 1", conv.Budget().CallsUsed())
	}
}

func TestConversation_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	gw := scripted(nil, map[string]error{"a": boom})
	budget := NewRunBudget(3, DefaultPricing)
	conv := NewConversation(gw, budget, time.Second, 2, nil)

	_, err := conv.Call(context.Background(), "", "question", false, "a")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if te.Step != "a" || te.Timeout || !errors.Is(err, boom) {
		t.Errorf("unexpected error %+v", te)
	}

	// The call is counted, no tokens are, and the user turn stays.
	snap := budget.Snapshot()
	if snap.CallsUsed != 1 || snap.InputTokens != 0 || snap.OutputTokens != 0 {
		t.Errorf("unexpected budget %+v", snap)
	}
	h := conv.History()
	if len(h) != 1 || h[0].Role != llm.RoleUser {
		t.Errorf("history = %+v", h)
	}
}

func TestConversation_CallTimeout(t *testing.T) {
	gw := &MockGateway{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	conv := NewConversation(gw, NewRunBudget(2, DefaultPricing), 20*time.Millisecond, 2, nil)

	start := time.Now()
	_, err := conv.Call(context.Background(), "", "slow", false, StepForecast)
	if time.Since(start) > 2*time.Second {
		t.Fatal("call was not bounded by its timeout")
	}
	var te *TransportError
	if !errors.As(err, &te) || !te.Timeout {
		t.Fatalf("expected timeout TransportError, got %v", err)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout should report true")
	}
}

func TestRunBudget_Remaining(t *testing.T) {
	b := NewRunBudget(2, Pricing{})
	if b.Snapshot().Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", b.Snapshot().Remaining())
	}
	for i := 0; i < 2; i++ {
		if _, err := b.reserve(); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if _, err := b.reserve(); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if b.CallsUsed() != 2 || b.Snapshot().Remaining() != 0 {
		t.Errorf("calls used = %d, remaining = %d", b.CallsUsed(), b.Snapshot().Remaining())
	}
}
