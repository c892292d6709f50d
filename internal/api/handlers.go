package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/delivery"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the control surface of one tenant's delivery engine.
type Controller interface {
	Initialize(ctx context.Context) (delivery.AuthResult, error)
	CheckAuthentication(ctx context.Context) (delivery.AuthResult, error)
	StartDrain() error
	StopDrain() bool
	CloseSession(ctx context.Context) error
	Status() delivery.Status
}

var _ Controller = (*delivery.Engine)(nil)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine Controller
	logger *zap.Logger
	// opTimeout bounds session operations so they answer before the server drops the response. Zero means no bound.
	opTimeout time.Duration
}

// NewHandler creates a new HTTP handler.
func NewHandler(engine Controller, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger.Named("api")}
}

// operationContext derives the context for a page-driving request.
func (h *Handler) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.opTimeout > 0 {
		return context.WithTimeout(r.Context(), h.opTimeout)
	}
	return context.WithCancel(r.Context())
}

// Initialize handles POST /v1/session/initialize
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.operationContext(r)
	defer cancel()
	res, err := h.engine.Initialize(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckAuthentication handles GET /v1/session/auth
func (h *Handler) CheckAuthentication(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.operationContext(r)
	defer cancel()
	res, err := h.engine.CheckAuthentication(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseSession handles DELETE /v1/session
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.operationContext(r)
	defer cancel()
	if err := h.engine.CloseSession(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartDrain handles POST /v1/drain
func (h *Handler) StartDrain(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StartDrain(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

// StopDrain handles POST /v1/drain/stop
func (h *Handler) StopDrain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": h.engine.StopDrain()})
}

// Status handles GET /v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, delivery.ErrAlreadyRunning), errors.Is(err, delivery.ErrDrainInProgress),
		errors.Is(err, delivery.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("Control operation failed.", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
