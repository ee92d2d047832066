package repository

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"healthsense-server/internal/modules/telemetry/types"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

//go:embed sql/get-readings-count.sql
var getReadingsCountSQL string

// TelemetryRepository is the SQLite archive of stored readings. It mirrors
// the journal for range queries and is never read by the latest/history
// endpoints.
type TelemetryRepository interface {
	InsertReading(r types.Reading, receivedAt time.Time) error
	GetReadings(from time.Time, to time.Time, limit int) ([]types.Reading, error)
	GetReadingsCount(from time.Time, to time.Time) (int, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) TelemetryRepository {
	return &repositoryImpl{db: db}
}

// InsertReading archives r. Range queries use the reading's own timestamp
// when it parses as RFC 3339 and receivedAt otherwise.
func (r *repositoryImpl) InsertReading(reading types.Reading, receivedAt time.Time) error {
	sortKey := receivedAt
	if t, err := reading.Time(); err == nil {
		sortKey = t
	}
	_, err := r.db.Exec(insertReadingSQL,
		reading.Timestamp,
		types.FormatTimestamp(sortKey),
		nullable(reading.AQI),
		nullable(reading.SpO2),
		nullable(reading.HeartRate),
		nullable(reading.BodyTempC),
		reading.Source,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// GetReadings returns up to limit readings in [from, to], newest first. A
// zero bound is open.
func (r *repositoryImpl) GetReadings(from time.Time, to time.Time, limit int) ([]types.Reading, error) {
	rows, err := r.db.Query(getReadingsSQL, boundArg(from), boundArg(to), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()
	return scanReadings(rows)
}

func (r *repositoryImpl) GetReadingsCount(from time.Time, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(getReadingsCountSQL, boundArg(from), boundArg(to)).Scan(&n)
	return n, err
}

func scanReadings(rows *sql.Rows) ([]types.Reading, error) {
	out := []types.Reading{}
	for rows.Next() {
		var (
			rec                          types.Reading
			aqi, spo2, heartRate, bodyTc sql.NullFloat64
		)
		if err := rows.Scan(&rec.Timestamp, &aqi, &spo2, &heartRate, &bodyTc, &rec.Source); err != nil {
			return nil, err
		}
		rec.AQI = fromNull(aqi)
		rec.SpO2 = fromNull(spo2)
		rec.HeartRate = fromNull(heartRate)
		rec.BodyTempC = fromNull(bodyTc)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boundArg(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return types.FormatTimestamp(t)
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return types.Float(v.Float64)
}
