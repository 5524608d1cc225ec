package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/zen-systems/inferroute/pkg/budget"
	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/health"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/router"
	"github.com/zen-systems/inferroute/pkg/savings"
)

const (
	headerCost     = "X-Inferroute-Cost"
	headerSavings  = "X-Inferroute-Savings"
	headerBaseline = "X-Inferroute-Baseline-Cost"
	headerTaskType = "X-Inferroute-Task-Type"
	headerProvider = "X-Inferroute-Provider"
	headerFailover = "X-Inferroute-Failover"
)

const maxBodyBytes = 4 << 20

type routeRequest struct {
	Prompt        string            `json:"prompt" validate:"required"`
	TaskHint      string            `json:"task_hint,omitempty" validate:"omitempty,oneof=code research creative chat other"`
	Privacy       string            `json:"privacy,omitempty" validate:"omitempty,oneof=standard enhanced max"`
	Region        string            `json:"region,omitempty" validate:"omitempty,oneof=any eu us"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	BudgetUSD     float64           `json:"budget_usd,omitempty" validate:"gte=0"`
	QualitySignal *float64          `json:"quality_signal,omitempty" validate:"omitempty,gte=0,lte=1"`
	Arms          []string          `json:"arms,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty" validate:"gte=0"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "validation_failed", "request validation failed", fields)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeRequest
	if !s.decode(w, r, &body) {
		return
	}

	privacy, _ := policy.ParsePrivacyMode(body.Privacy, s.opts.Privacy)
	region, _ := policy.ParseRegion(body.Region, s.opts.Region)

	creds := make(map[string]string, len(s.opts.Credentials)+len(body.Credentials))
	for k, v := range s.opts.Credentials {
		creds[k] = v
	}
	for k, v := range body.Credentials {
		creds[k] = v
	}

	req := &dispatch.Request{
		ID:                r.Header.Get("X-Request-ID"),
		Account:           accountFrom(r.Context()),
		Prompt:            body.Prompt,
		TaskHint:          body.TaskHint,
		Privacy:           privacy,
		Region:            region,
		Credentials:       creds,
		BudgetOverrideUSD: body.BudgetUSD,
		QualitySignal:     body.QualitySignal,
		PinnedArms:        body.Arms,
		MaxTokens:         body.MaxTokens,
	}

	resp, err := s.opts.Dispatcher.Route(r.Context(), req)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	h := w.Header()
	h.Set(headerCost, formatUSD(resp.CostUSD))
	h.Set(headerSavings, formatUSD(resp.SavingsUSD))
	h.Set(headerBaseline, formatUSD(resp.BaselineCostUSD))
	h.Set(headerTaskType, string(resp.Category))
	h.Set(headerProvider, resp.Provider)
	h.Set(headerFailover, strconv.FormatBool(resp.Failover))
	writeJSON(w, http.StatusOK, resp)
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	var re *dispatch.RouteError
	if !errors.As(err, &re) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "canceled", err.Error(), nil)
			return
		}
		s.logger.Error("route failed", zap.String("account", accountFrom(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}

	status := http.StatusBadGateway
	switch re.Kind {
	case dispatch.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	case dispatch.KindNoEligibleArm:
		status = http.StatusUnprocessableEntity
	}
	details := map[string]any{
		"category":  re.Category,
		"attempted": re.Attempted,
	}
	if len(re.Rejections) > 0 {
		details["rejections"] = re.Rejections
	}
	writeError(w, status, string(re.Kind), re.Error(), details)
}

type classifyRequest struct {
	Prompt   string `json:"prompt" validate:"required"`
	TaskHint string `json:"task_hint,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body classifyRequest
	if !s.decode(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Dispatcher.Classify(body.Prompt, body.TaskHint))
}

// statusResponse mirrors the CLI status command.
type statusResponse struct {
	Mode      string                 `json:"mode"`
	Privacy   policy.PrivacyMode     `json:"privacy"`
	Region    policy.Region          `json:"region"`
	Providers []string               `json:"providers"`
	Account   string                 `json:"account"`
	Budget    budget.Window          `json:"budget"`
	Remaining *float64               `json:"budget_remaining_usd,omitempty"`
	Savings   savings.Report         `json:"savings"`
	Summary   string                 `json:"summary"`
	Breakers  []health.ProviderState `json:"breakers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	providers := make([]string, 0, len(s.opts.Credentials))
	for name, key := range s.opts.Credentials {
		if key != "" {
			providers = append(providers, name)
		}
	}
	sort.Strings(providers)

	resp := statusResponse{
		Mode:      "byok",
		Privacy:   s.opts.Privacy,
		Region:    s.opts.Region,
		Providers: providers,
		Account:   account,
		Budget:    s.opts.Budget.Usage(account),
		Savings:   s.opts.Savings.Report(),
		Summary:   s.opts.Savings.Summary(),
		Breakers:  s.opts.Health.Snapshot(),
	}
	if remaining, limited := s.opts.Budget.Remaining(account, 0); limited {
		resp.Remaining = &remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

type armView struct {
	Key             string             `json:"key"`
	Provider        string             `json:"provider"`
	Model           string             `json:"model"`
	PromptPer1K     float64            `json:"prompt_per_1k"`
	CompletionPer1K float64            `json:"completion_per_1k"`
	Breaker         health.State       `json:"breaker"`
	Means           map[string]float64 `json:"posterior_means"`
	Observations    map[string]int64   `json:"observations"`
}

func (s *Server) handleArms(w http.ResponseWriter, _ *http.Request) {
	arms := s.opts.Catalog.Arms()
	out := make([]armView, 0, len(arms))
	for _, arm := range arms {
		view := armView{
			Key:             arm.Key(),
			Provider:        arm.Provider,
			Model:           arm.Model,
			PromptPer1K:     arm.Pricing.PromptPer1K,
			CompletionPer1K: arm.Pricing.CompletionPer1K,
			Breaker:         s.opts.Health.State(arm.Provider),
			Means:           make(map[string]float64),
			Observations:    make(map[string]int64),
		}
		for _, cat := range router.Categories() {
			p := s.opts.Bandit.Posterior(cat, arm.Key())
			view.Means[string(cat)] = p.Mean()
			view.Observations[string(cat)] = p.Observations
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}
