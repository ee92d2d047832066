package service

import (
	"log/slog"
	"time"

	"healthsense-server/internal/modules/telemetry/ingest"
	"healthsense-server/internal/modules/telemetry/types"
)

// Updater is the store's write side.
type Updater interface {
	Update(in types.Reading, policy types.Policy) types.Reading
}

// Service ingests telemetry arriving outside the HTTP API.
type Service struct {
	store  Updater
	chain  *ingest.Chain
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Updater, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		chain:  ingest.Permissive(),
		logger: logger,
		now:    time.Now,
	}
}

// HandleMQTT stores one MQTT message body. Messages replace the current
// reading, like the primary HTTP endpoint.
func (s *Service) HandleMQTT(topic string, payload []byte) error {
	reading, err := s.chain.Reading(ingest.FromBytes(payload), s.now())
	if err != nil {
		return err
	}
	reading.Source = types.SourceMQTT

	stored := s.store.Update(reading, types.PolicyReplace)
	s.logger.Info("telemetry received",
		"summary", stored.Summary(),
		"source", stored.Source,
		"topic", topic,
		"timestamp", stored.Timestamp,
	)
	return nil
}
