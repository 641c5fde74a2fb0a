package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"fincast/pkg/core/forecast"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/valuation"
)

// Forecaster is the part of *forecast.Forecaster the handlers use.
type Forecaster interface {
	GenerateForecast(ctx context.Context, ticker string, snap *snapshot.CompanySnapshot, priorInsights string, opts forecast.Options) (*forecast.ForecastResult, error)
	Runs() *forecast.Registry
	ClearCache() int
}

// InsightsFetcher returns prior insights for a ticker, "" when unavailable.
type InsightsFetcher interface {
	Fetch(ctx context.Context, ticker string) string
}

// RunLoader finds runs that are no longer in memory.
type RunLoader interface {
	LoadRun(ctx context.Context, runID string) (*forecast.RunStatus, error)
}

// Handler holds dependencies for forecast endpoints. Insights and Store
// are optional.
type Handler struct {
	Forecaster Forecaster
	Snapshots  snapshot.Provider
	Insights   InsightsFetcher
	Store      RunLoader
	Logger     *slog.Logger
}

// NewHandler creates a new forecast handler
func NewHandler(f Forecaster, snaps snapshot.Provider) *Handler {
	return &Handler{Forecaster: f, Snapshots: snaps}
}

// Register mounts the forecast endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/forecast/agentic", h.HandleForecast)
	mux.HandleFunc("/api/forecast/runs", h.HandleRuns)
	mux.HandleFunc("/api/forecast/cache/clear", h.HandleClearCache)
}

type ForecastRequest struct {
	Ticker       string                 `json:"ticker"`
	Method       valuation.Method       `json:"method"`
	MultipleType valuation.MultipleType `json:"multiple_type"`
	Feedback     string                 `json:"feedback"`
	SkipCache    bool                   `json:"skip_cache"`
}

// ErrorResponse reports a failed run with its spend and partial trail.
type ErrorResponse struct {
	Error             string                `json:"error"`
	RunID             string                `json:"run_id,omitempty"`
	Step              string                `json:"step,omitempty"`
	State             forecast.State        `json:"state,omitempty"`
	LLMCalls          int                   `json:"llm_calls"`
	WebSearches       int                   `json:"web_searches"`
	InputTokens       int                   `json:"input_tokens"`
	OutputTokens      int                   `json:"output_tokens"`
	TotalCost         float64               `json:"total_cost"`
	ResearchTrail     []forecast.StepRecord `json:"research_trail,omitempty"`
	FallbackAvailable bool                  `json:"fallback_available"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func cors(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleForecast runs one agentic forecast. GET reads the query string; POST
// reads a JSON body, with query parameters as defaults.
func (h *Handler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	cors(w, "GET, POST, OPTIONS")
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Ticker == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Ticker symbol is required"})
		return
	}

	ctx := r.Context()
	snap, err := h.snapshot(ctx, req.Ticker)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	var insights string
	if h.Insights != nil {
		insights = h.Insights.Fetch(ctx, req.Ticker)
	}

	result, err := h.Forecaster.GenerateForecast(ctx, req.Ticker, snap, insights, forecast.Options{
		Method:       req.Method,
		MultipleType: req.MultipleType,
		Feedback:     req.Feedback,
		SkipCache:    req.SkipCache,
	})
	if err != nil {
		status, body := errorBody(err)
		h.logger().Error("agentic forecast failed", "ticker", req.Ticker, "status", status, "error", err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseRequest(r *http.Request) (ForecastRequest, error) {
	q := r.URL.Query()
	req := ForecastRequest{
		Ticker:       q.Get("ticker"),
		Method:       valuation.Method(q.Get("method")),
		MultipleType: valuation.MultipleType(q.Get("multiple_type")),
		Feedback:     q.Get("feedback"),
	}
	req.SkipCache, _ = strconv.ParseBool(q.Get("skip_cache"))

	if r.Method == http.MethodPost && r.Body != nil && r.ContentLength != 0 {
		var body ForecastRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, errors.New("Invalid request body")
		}
		if body.Ticker != "" {
			req.Ticker = body.Ticker
		}
		if body.Method != "" {
			req.Method = body.Method
		}
		if body.MultipleType != "" {
			req.MultipleType = body.MultipleType
		}
		if body.Feedback != "" {
			req.Feedback = body.Feedback
		}
		req.SkipCache = req.SkipCache || body.SkipCache
	}
	req.Ticker = strings.ToUpper(strings.TrimSpace(req.Ticker))
	return req, nil
}

// snapshot falls back to a minimal snapshot when none is stored.
func (h *Handler) snapshot(ctx context.Context, ticker string) (*snapshot.CompanySnapshot, error) {
	minimal := &snapshot.CompanySnapshot{Ticker: ticker, CompanyName: ticker}
	if h.Snapshots == nil {
		return minimal, nil
	}
	snap, err := h.Snapshots.Snapshot(ctx, ticker)
	if errors.Is(err, snapshot.ErrNotFound) {
		h.logger().Info("no snapshot, using minimal structure", "ticker", ticker)
		return minimal, nil
	}
	return snap, err
}

// errorBody maps a run error to a status code.
func errorBody(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), FallbackAvailable: true}
	var re *forecast.RunError
	if errors.As(err, &re) {
		body.RunID = re.RunID
		body.Step = re.Step
		body.State = re.State
		body.LLMCalls = re.CallsUsed
		body.WebSearches = re.WebSearches
		body.InputTokens = re.InputTokens
		body.OutputTokens = re.OutputTokens
		body.TotalCost = re.Cost
		body.ResearchTrail = re.Trail
	}

	var te *forecast.TransportError
	switch {
	case errors.Is(err, forecast.ErrInvalidRequest):
		body.FallbackAvailable = false
		return http.StatusBadRequest, body
	case errors.Is(err, forecast.ErrBudgetExceeded):
		return http.StatusTooManyRequests, body
	case forecast.IsTimeout(err):
		return http.StatusGatewayTimeout, body
	case errors.As(err, &te):
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

// HandleRuns returns the live status of one run (?id=), falling back to the
// store, or lists active run IDs when no id is given.
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	cors(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		active := h.Forecaster.Runs().Active()
		if active == nil {
			active = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": active})
		return
	}

	if run, ok := h.Forecaster.Runs().Get(id); ok {
		writeJSON(w, http.StatusOK, run.Status())
		return
	}
	if h.Store != nil {
		st, err := h.Store.LoadRun(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, st)
			return
		}
		h.logger().Debug("run lookup in store failed", "run_id", id, "error", err)
	}
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "run not found: " + id})
}

// HandleClearCache drops every cached forecast result.
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	cors(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := h.Forecaster.ClearCache()
	h.logger().Info("forecast cache cleared", "entries", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
