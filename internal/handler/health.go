package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/templui/authmail/internal/ctxkeys"
	"github.com/templui/authmail/internal/db"
)

type healthHandler struct {
	db *sqlx.DB
}

func NewHealthHandler(database *sqlx.DB) *healthHandler {
	return &healthHandler{db: database}
}

type healthResponse struct {
	Status      string    `json:"status"`
	Environment string    `json:"environment,omitempty"`
	Version     string    `json:"version,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	}
	if cfg := ctxkeys.Config(r.Context()); cfg != nil {
		resp.Environment = cfg.AppEnv
		resp.Version = cfg.Version
	}

	err := db.Ping(r.Context(), h.db)
	if err != nil {
		slog.Error("health check failed", "error", err)
		resp.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
