package http

import (
	"context"
	"net/http"
	"time"

	"github.com/rylieai/handover/internal/domain"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/service"
)

const healthCheckTimeout = 2 * time.Second

// ConfigAdmin is the configuration surface the admin API operates on.
// *service.ConfigService implements it.
type ConfigAdmin interface {
	Version() uint64
	Reload(ctx context.Context, source string) error
	GetDealershipConfig(ctx context.Context, dealershipID string) handover.DealershipConfig
	PutDealershipOverride(ctx context.Context, dealershipID string, layer map[string]any) error
	IsFeatureEnabled(flag, dealershipID string) bool
	GetABTestVariant(testName, dealershipID string) (string, bool)
	ListABTests() []handover.ABTest
	CreateABTest(ctx context.Context, t handover.ABTest) (handover.ABTest, error)
	SetABTestStatus(ctx context.Context, name, status string) error
}

// StateReader reads the engine's per-conversation bookkeeping.
// *postgres.Store implements it.
type StateReader interface {
	GetHandoverState(ctx context.Context, conversationID string) (*handover.EvaluationState, error)
}

// HealthCheck checks one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the admin HTTP handlers.
type Handlers struct {
	Config ConfigAdmin
	States StateReader // optional
	Checks []HealthCheck
}

type healthResponse struct {
	Status        string            `json:"status"`
	ConfigVersion uint64            `json:"configVersion"`
	Checks        map[string]string `json:"checks"`
}

// Health reports dependency status. Any failing check turns the response
// into 503 so orchestrators stop routing to the instance.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ConfigVersion: h.Config.Version(), Checks: make(map[string]string, len(h.Checks))}
	for _, c := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[c.Name] = err.Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ReloadConfig handles POST /api/v1/config/reload.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Config.Reload(r.Context(), service.ReloadManual); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"version": h.Config.Version()})
}

// GetDealershipConfig handles GET /api/v1/dealerships/{id}/config.
func (h *Handlers) GetDealershipConfig(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "dealership id") {
		return
	}
	writeJSON(w, http.StatusOK, h.Config.GetDealershipConfig(r.Context(), id))
}

// PutDealershipOverride handles PUT /api/v1/dealerships/{id}/override.
func (h *Handlers) PutDealershipOverride(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "dealership id") {
		return
	}
	layer, ok := readJSON[map[string]any](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if err := h.Config.PutDealershipOverride(r.Context(), id, layer); err != nil {
		writeDomainError(w, err, "dealership not found")
		return
	}
	writeJSON(w, http.StatusOK, h.Config.GetDealershipConfig(r.Context(), id))
}

type featureResponse struct {
	Flag         string `json:"flag"`
	DealershipID string `json:"dealershipId"`
	Enabled      bool   `json:"enabled"`
}

// GetFeature handles GET /api/v1/features/{flag}/dealerships/{id}.
func (h *Handlers) GetFeature(w http.ResponseWriter, r *http.Request) {
	flag, id := urlParam(r, "flag"), urlParam(r, "id")
	writeJSON(w, http.StatusOK, featureResponse{
		Flag:         flag,
		DealershipID: id,
		Enabled:      h.Config.IsFeatureEnabled(flag, id),
	})
}

// ListABTests handles GET /api/v1/abtests.
func (h *Handlers) ListABTests(w http.ResponseWriter, _ *http.Request) {
	tests := h.Config.ListABTests()
	if tests == nil {
		tests = []handover.ABTest{}
	}
	writeJSON(w, http.StatusOK, tests)
}

// CreateABTest handles POST /api/v1/abtests.
func (h *Handlers) CreateABTest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[handover.ABTest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Name, "name") {
		return
	}
	created, err := h.Config.CreateABTest(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "abtest not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetABTestStatus handles POST /api/v1/abtests/{name}/status.
func (h *Handlers) SetABTestStatus(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	req, ok := readJSON[statusRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Status, "status") {
		return
	}
	if err := h.Config.SetABTestStatus(r.Context(), name, req.Status); err != nil {
		writeDomainError(w, err, "abtest not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": req.Status})
}

type variantResponse struct {
	Test         string `json:"test"`
	DealershipID string `json:"dealershipId"`
	Variant      string `json:"variant,omitempty"`
	Enrolled     bool   `json:"enrolled"`
}

// GetABTestVariant handles GET /api/v1/abtests/{name}/dealerships/{id}.
// Dealerships outside every variant range report enrolled=false (control).
func (h *Handlers) GetABTestVariant(w http.ResponseWriter, r *http.Request) {
	name, id := urlParam(r, "name"), urlParam(r, "id")
	if !h.hasABTest(name) {
		writeDomainError(w, domain.ErrNotFound, "abtest not found")
		return
	}
	variant, enrolled := h.Config.GetABTestVariant(name, id)
	writeJSON(w, http.StatusOK, variantResponse{Test: name, DealershipID: id, Variant: variant, Enrolled: enrolled})
}

// GetHandoverState handles GET /api/v1/conversations/{id}/handover-state.
func (h *Handlers) GetHandoverState(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "conversation id") {
		return
	}
	st, err := h.States.GetHandoverState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "conversation never evaluated")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) hasABTest(name string) bool {
	for _, t := range h.Config.ListABTests() {
		if t.Name == name {
			return true
		}
	}
	return false
}
