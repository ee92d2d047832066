package controller

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"healthsense-server/internal/modules/telemetry/ingest"
	"healthsense-server/internal/modules/telemetry/types"
	"healthsense-server/internal/utils"
)

type ingestResponse struct {
	Status   string        `json:"status"`
	Message  string        `json:"message"`
	Received types.Reading `json:"received"`
}

type historyResponse struct {
	Count   int             `json:"count"`
	Entries []types.Reading `json:"entries"`
}

type statusResponse struct {
	Status          string  `json:"status"`
	HasData         bool    `json:"has_data"`
	LatestTimestamp *string `json:"latest_timestamp"`
}

type readingsResponse struct {
	Count   int             `json:"count"`
	Total   int             `json:"total"`
	Entries []types.Reading `json:"entries"`
}

func (c *telemetryControllerImpl) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(c.dashboard); err != nil {
		slog.Error("dashboard: page not available", "path", c.dashboard, "error", err)
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, c.dashboard)
}

// handleIngest is the primary write path: JSON only, replace policy.
func (c *telemetryControllerImpl) handleIngest(w http.ResponseWriter, r *http.Request) {
	stored, err := c.ingest(w, r, c.strict, types.PolicyReplace, types.SourceAPI)
	if err != nil {
		utils.WriteError(w, statusFor(err), messageFor(err))
		return
	}
	utils.WriteJSON(w, http.StatusOK, ingestResponse{
		Status:   "success",
		Message:  "Data received and stored",
		Received: stored,
	})
}

// handleCompatIngest serves legacy sensor firmware: any payload shape,
// merge policy, plain-text replies.
func (c *telemetryControllerImpl) handleCompatIngest(w http.ResponseWriter, r *http.Request) {
	if _, err := c.ingest(w, r, c.permissive, types.PolicyMerge, types.SourceCompat); err != nil {
		utils.WriteText(w, statusFor(err), messageFor(err))
		return
	}
	utils.WriteText(w, http.StatusOK, "OK")
}

func (c *telemetryControllerImpl) ingest(w http.ResponseWriter, r *http.Request, chain *ingest.Chain, policy types.Policy, source string) (types.Reading, error) {
	payload, err := ingest.FromRequest(r, w, ingest.DefaultMaxBodyBytes)
	if err != nil {
		slog.Warn("ingest: read body failed", "path", r.URL.Path, "error", err)
		return types.Reading{}, err
	}
	reading, err := chain.Reading(payload, c.now())
	if err != nil {
		slog.Warn("ingest: payload rejected",
			"path", r.URL.Path,
			"content_type", payload.ContentType,
			"error", err,
		)
		return types.Reading{}, err
	}
	reading.Source = source

	stored := c.store.Update(reading, policy)
	slog.Info("telemetry received",
		"summary", stored.Summary(),
		"source", stored.Source,
		"policy", policy.String(),
		"timestamp", stored.Timestamp,
	)
	return stored, nil
}

// handleLatest returns the full latest reading, recovering it from the
// journal after a restart.
func (c *telemetryControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	reading, err := c.store.LatestOrRecovered()
	if err != nil {
		if !errors.Is(err, types.ErrNoDataYet) {
			slog.Error("latest: journal read failed", "error", err)
		}
		utils.WriteError(w, http.StatusServiceUnavailable, noDataMessage)
		return
	}
	utils.WriteJSON(w, http.StatusOK, reading)
}

// handleLatestCompact reads the in-memory slot only; it reports no data
// after a restart until the first new update.
func (c *telemetryControllerImpl) handleLatestCompact(w http.ResponseWriter, r *http.Request) {
	reading, ok := c.store.Latest()
	if !ok {
		utils.WriteError(w, http.StatusServiceUnavailable, noDataMessage)
		return
	}
	utils.WriteJSON(w, http.StatusOK, reading.Compact())
}

func (c *telemetryControllerImpl) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseHistoryLimit(r)
	entries, err := c.store.History(limit)
	if err != nil {
		slog.Error("history: journal read failed", "limit", limit, "error", err)
		entries = []types.Reading{}
	}
	utils.WriteJSON(w, http.StatusOK, historyResponse{Count: len(entries), Entries: entries})
}

func (c *telemetryControllerImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := c.store.Status()
	resp := statusResponse{Status: "running", HasData: st.HasData}
	if st.HasData {
		ts := st.LatestTimestamp
		resp.LatestTimestamp = &ts
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *telemetryControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := parseReadingsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.archive.GetReadings(from, to, limit)
	if err != nil {
		slog.Error("readings: archive query failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	total, err := c.archive.GetReadingsCount(from, to)
	if err != nil {
		slog.Error("readings: archive count failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, readingsResponse{Count: len(readings), Total: total, Entries: readings})
}
