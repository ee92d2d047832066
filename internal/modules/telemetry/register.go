package telemetry

import (
	"database/sql"
	"log/slog"
	"net/http"

	"healthsense-server/internal/modules/telemetry/controller"
	"healthsense-server/internal/modules/telemetry/journal"
	"healthsense-server/internal/modules/telemetry/repository"
	"healthsense-server/internal/modules/telemetry/service"
	"healthsense-server/internal/modules/telemetry/store"
	"healthsense-server/internal/modules/telemetry/types"
	"healthsense-server/internal/stream"
)

type Options struct {
	StaticDir string
	Journal   *journal.Journal
	// DB is the migrated archive database. Nil disables archiving and
	// /api/readings.
	DB     *sql.DB
	Logger *slog.Logger
}

// Feature holds the running parts of the telemetry feature.
type Feature struct {
	Store   *store.Store
	Hub     *stream.Hub
	Service *service.Service

	archiver *service.Archiver
}

func RegisterFeature(mux *http.ServeMux, opts Options) *Feature {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	telemetryStore := store.New(opts.Journal, store.WithLogger(logger))
	hub := stream.NewHub(logger)
	hub.SetSnapshot(func() (any, bool) {
		return telemetryStore.Latest()
	})

	f := &Feature{
		Store:   telemetryStore,
		Hub:     hub,
		Service: service.NewService(telemetryStore, logger),
	}

	var archive repository.TelemetryRepository
	if opts.DB != nil {
		archive = repository.NewRepository(opts.DB)
		f.archiver = service.NewArchiver(archive, logger)
		f.archiver.Start()
	}

	telemetryStore.OnUpdate(func(r types.Reading) {
		if err := hub.Broadcast(r); err != nil {
			logger.Warn("failed to broadcast reading", "error", err)
		}
		if f.archiver != nil {
			f.archiver.Enqueue(r)
		}
	})

	telemetryController := controller.NewTelemetryController(telemetryStore, controller.Options{
		StaticDir: opts.StaticDir,
		Archive:   archive,
	})
	telemetryController.RegisterRoutes(mux)
	mux.Handle("GET /api/stream", hub)

	return f
}

// Close disconnects stream clients and flushes the archive queue.
func (f *Feature) Close() {
	f.Hub.Close()
	if f.archiver != nil {
		f.archiver.Stop()
	}
}
