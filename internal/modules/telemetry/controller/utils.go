package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"healthsense-server/internal/modules/telemetry/ingest"
	"healthsense-server/internal/modules/telemetry/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000

	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000

	noDataMessage = "No data received yet"
)

// parseHistoryLimit never fails: a missing, malformed or non-positive
// limit falls back to the default, and large values are capped.
func parseHistoryLimit(r *http.Request) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultHistoryLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func parseReadingsQuery(r *http.Request) (from time.Time, to time.Time, limit int, err error) {
	q := r.URL.Query()

	if s := q.Get("from"); s != "" {
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'from' (expected RFC3339)")
		}
	}
	if s := q.Get("to"); s != "" {
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'to' (expected RFC3339)")
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, 0, errors.New("'from' must be <= 'to'")
	}

	limit = defaultReadingsLimit
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be > 0")
		}
		if n > maxReadingsLimit {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be <= 1000")
		}
		limit = n
	}

	return from, to, limit, nil
}

// statusFor maps an ingest error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, types.ErrEmptyPayload), errors.Is(err, ingest.ErrMalformedJSON):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, types.ErrEmptyPayload):
		return "No data received"
	case errors.As(err, &tooLarge):
		return "Payload too large (limit " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes)"
	default:
		return err.Error()
	}
}
