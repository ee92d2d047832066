package httpapi

import (
	"database/sql"
	"net/http"
)

// NewMux returns a mux with /healthz registered. db may be nil when the
// archive is disabled.
func NewMux(journal WritableChecker, db *sql.DB) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, journal, db)
	return mux
}
