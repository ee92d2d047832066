package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"healthsense-server/internal/utils"
)

// WritableChecker reports whether the telemetry journal can take appends.
type WritableChecker interface {
	CheckWritable() error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	journal WritableChecker
	db      *sql.DB
}

func NewHealthchecker(journal WritableChecker, db *sql.DB) healthchecker {
	return &healthcheckerImpl{journal: journal, db: db}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.journal.CheckWritable(); err != nil {
		slog.Error("telemetry journal is not writable", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "telemetry journal is not writable")
		return
	}
	if h.db != nil {
		var ok int
		if err := h.db.QueryRowContext(r.Context(), `SELECT 1`).Scan(&ok); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusServiceUnavailable, "failed to check database connectivity")
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, journal WritableChecker, db *sql.DB) {
	healthchecker := NewHealthchecker(journal, db)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
