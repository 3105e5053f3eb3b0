package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	apxerrors "agent/errors"
	"agent/services/browser_pool"
	"agent/services/browser_pool/slot"
)

// PoolHandler exposes the Pool Facade over HTTP.
type PoolHandler struct {
	Pool *browser_pool.Pool
}

func NewPoolHandler(pool *browser_pool.Pool) *PoolHandler {
	return &PoolHandler{Pool: pool}
}

type reserveRequest struct {
	LeaseMinutes  int    `json:"leaseMinutes"`
	SessionID     string `json:"sessionId"`
	ClientID      string `json:"clientId"`
	FingerprintID string `json:"fingerprintId"`
	Driver        string `json:"driver"`
	Webhook       string `json:"webhook"`
	ReportKey     string `json:"reportKey"`
	SessionUUID   string `json:"sessionUuid"`
}

// Reserve handles POST /v1/pool/reserve.
func (h *PoolHandler) Reserve(w http.ResponseWriter, r *http.Request) (any, int, error) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, apxerrors.InvalidBodyErr(err)
	}
	if req.SessionID == "" {
		return nil, http.StatusBadRequest, apxerrors.EmptyParamErr("sessionId")
	}
	if req.LeaseMinutes <= 0 {
		req.LeaseMinutes = 10
	}

	s, err := h.Pool.Reserve(r.Context(), time.Duration(req.LeaseMinutes)*time.Minute, slot.Session{
		SessionID:     req.SessionID,
		ClientID:      req.ClientID,
		FingerprintID: req.FingerprintID,
		Driver:        req.Driver,
		Webhook:       req.Webhook,
		ReportKey:     req.ReportKey,
		SessionUUID:   req.SessionUUID,
	})
	if err != nil {
		return nil, 0, err
	}
	return s, http.StatusOK, nil
}

type extendRequest struct {
	LeaseMinutes int `json:"leaseMinutes"`
}

// Extend handles POST /v1/pool/{name}/extend.
func (h *PoolHandler) Extend(w http.ResponseWriter, r *http.Request) (any, int, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		return nil, http.StatusBadRequest, apxerrors.EmptyParamErr("name")
	}

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, apxerrors.InvalidBodyErr(err)
	}
	if req.LeaseMinutes <= 0 {
		req.LeaseMinutes = 10
	}

	if err := h.Pool.Extend(name, time.Duration(req.LeaseMinutes)*time.Minute); err != nil {
		return nil, 0, apxerrors.Wrap("not_found", err)
	}
	return map[string]string{"message": "lease extended"}, http.StatusOK, nil
}

// Release handles POST /v1/pool/{name}/release.
func (h *PoolHandler) Release(w http.ResponseWriter, r *http.Request) (any, int, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		return nil, http.StatusBadRequest, apxerrors.EmptyParamErr("name")
	}
	if err := h.Pool.Release(r.Context(), name); err != nil {
		return nil, 0, err
	}
	return map[string]string{"message": "released"}, http.StatusOK, nil
}

// List handles GET /v1/pool.
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Pool.Browsers(), http.StatusOK, nil
}

// ListFromRuntime handles GET /v1/pool/runtime.
func (h *PoolHandler) ListFromRuntime(w http.ResponseWriter, r *http.Request) (any, int, error) {
	slots, err := h.Pool.BrowsersFromRuntime(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return slots, http.StatusOK, nil
}

const monitorPage = `<!doctype html>
<html><head><title>browser pool monitor</title></head>
<body><h1>browser pool</h1><pre id="slots">loading...</pre>
<script>
fetch(window.location.pathname.replace(/\/monitor$/, ""))
  .then(r => r.json())
  .then(d => { document.getElementById("slots").textContent = JSON.stringify(d, null, 2); });
</script>
</body></html>`

// Monitor handles GET /v1/pool/monitor, a static page rendering the
// pool's current snapshot. No client-side framework.
func (h *PoolHandler) Monitor(w http.ResponseWriter, r *http.Request) (any, int, error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(monitorPage))
	return nil, http.StatusOK, nil
}

type resolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SetViewport handles POST /v1/pool/{name}/resolution.
func (h *PoolHandler) SetViewport(w http.ResponseWriter, r *http.Request) (any, int, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		return nil, http.StatusBadRequest, apxerrors.EmptyParamErr("name")
	}

	var req resolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, apxerrors.InvalidBodyErr(err)
	}

	if err := h.Pool.SetViewport(r.Context(), name, req.Width, req.Height); err != nil {
		return nil, 0, err
	}
	return map[string]string{"message": "viewport updated"}, http.StatusOK, nil
}

// Shutdown handles POST /v1/pool/shutdown.
func (h *PoolHandler) Shutdown(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Pool.Shutdown(r.Context())
	return map[string]string{"message": "pool shut down"}, http.StatusOK, nil
}
