package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"healthsense-server/internal/config"
	"healthsense-server/internal/db"
	"healthsense-server/internal/httpapi"
	"healthsense-server/internal/migrate"
	"healthsense-server/internal/modules/telemetry"
	"healthsense-server/internal/modules/telemetry/journal"
	"healthsense-server/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"staticDir", cfg.StaticDir,
		"journalPath", cfg.JournalPath,
		"archiveEnabled", cfg.ArchiveEnabled,
		"sqlitePath", cfg.SQLitePath,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
	)

	telemetryJournal, err := journal.Open(cfg.JournalPath, logger)
	if err != nil {
		return err
	}
	if n, err := telemetryJournal.Count(); err == nil {
		logger.Info("telemetry journal opened", "path", telemetryJournal.Path(), "entries", n)
	}

	var dbConn *sql.DB
	if cfg.ArchiveEnabled {
		dbConn, err = openArchive(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(dbConn); closeErr != nil {
				logger.Error("db close", "error", closeErr)
			}
		}()
	}

	mux := httpapi.NewMux(telemetryJournal, dbConn)
	feature := telemetry.RegisterFeature(mux, telemetry.Options{
		StaticDir: cfg.StaticDir,
		Journal:   telemetryJournal,
		DB:        dbConn,
		Logger:    logger,
	})
	defer feature.Close()

	var subscriber *mqtt.Subscriber
	if cfg.MQTTEnabled {
		// The handler must be in place before Connect; the broker can
		// deliver right after the subscription is acknowledged.
		subscriber = mqtt.NewSubscriber(cfg, logger)
		subscriber.SetMessageHandler(feature.Service.HandleMQTT)

		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing, client keeps retrying)", "error", err)
		}
	}

	srv := httpapi.NewServer(cfg, mux, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if subscriber != nil {
		logger.Info("mqtt disconnecting")
		subscriber.Disconnect()
	}

	// Stream clients hold hijacked connections that Shutdown does not wait for.
	feature.Hub.Close()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func openArchive(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Run(ctx, dbConn, logger)
	if err != nil {
		_ = db.Close(dbConn)
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	logger.Info("archive database ready", "path", cfg.SQLitePath, "migrationsApplied", applied)
	return dbConn, nil
}
