package controller

import (
	"net/http"
	"path/filepath"
	"time"

	"healthsense-server/internal/modules/telemetry/ingest"
	"healthsense-server/internal/modules/telemetry/repository"
	"healthsense-server/internal/modules/telemetry/types"
)

type TelemetryController interface {
	RegisterRoutes(mux *http.ServeMux)
}

// TelemetryStore is the part of the store the handlers need.
type TelemetryStore interface {
	Update(in types.Reading, policy types.Policy) types.Reading
	Latest() (types.Reading, bool)
	LatestOrRecovered() (types.Reading, error)
	History(limit int) ([]types.Reading, error)
	Status() types.Status
}

type Options struct {
	// StaticDir holds index.html, served at /.
	StaticDir string
	// Archive backs /api/readings; nil leaves the route unregistered.
	Archive repository.TelemetryRepository
	// Now stamps readings that arrive without a timestamp.
	Now func() time.Time
}

type telemetryControllerImpl struct {
	store      TelemetryStore
	archive    repository.TelemetryRepository
	dashboard  string
	strict     *ingest.Chain
	permissive *ingest.Chain
	now        func() time.Time
}

func NewTelemetryController(store TelemetryStore, opts Options) TelemetryController {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &telemetryControllerImpl{
		store:      store,
		archive:    opts.Archive,
		dashboard:  filepath.Join(opts.StaticDir, "index.html"),
		strict:     ingest.Strict(),
		permissive: ingest.Permissive(),
		now:        now,
	}
}

func (c *telemetryControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", c.handleDashboard)
	mux.HandleFunc("POST /api/telemetry", c.handleIngest)
	mux.HandleFunc("GET /api/telemetry", c.handleLatest)
	mux.HandleFunc("GET /api/telemetry/latest", c.handleLatestCompact)
	mux.HandleFunc("GET /api/history", c.handleHistory)
	mux.HandleFunc("GET /api/status", c.handleStatus)
	mux.HandleFunc("POST /data", c.handleCompatIngest)
	if c.archive != nil {
		mux.HandleFunc("GET /api/readings", c.handleReadings)
	}
}
