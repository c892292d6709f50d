package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/config"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoverMiddleware(h.logger), LoggingMiddleware(h.logger))

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/session/initialize", h.Initialize).Methods("POST")
	api.HandleFunc("/session/auth", h.CheckAuthentication).Methods("GET")
	api.HandleFunc("/session", h.CloseSession).Methods("DELETE")
	api.HandleFunc("/drain", h.StartDrain).Methods("POST")
	api.HandleFunc("/drain/stop", h.StopDrain).Methods("POST")
	api.HandleFunc("/status", h.Status).Methods("GET")

	return r
}

// NewServer returns an http.Server serving the control API on cfg.Addr.
func NewServer(cfg config.ServerConfig, engine Controller, logger *zap.Logger) *http.Server {
	h := NewHandler(engine, logger)
	h.opTimeout = operationTimeout(cfg.WriteTimeout)
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      h.SetupRoutes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// operationTimeout leaves a tenth of the write timeout for encoding the answer.
func operationTimeout(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}
	return writeTimeout - writeTimeout/10
}
