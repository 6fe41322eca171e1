package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleZoneHistory returns recorded state snapshots for a zone, newest
// first.
func (s *Server) handleZoneHistory(w http.ResponseWriter, r *http.Request) {
	zone, ok := s.zoneParam(w, r)
	if !ok {
		return
	}

	if s.history == nil {
		writeServiceUnavailable(w, "state history unavailable")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	entries, err := s.history.Recent(r.Context(), zone, limit)
	if err != nil {
		s.logger.Error("failed to load zone history", "zone", zone, "error", err)
		writeInternalError(w, "failed to load zone history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.RecordedAt.After(since) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"zone":    string(zone),
		"history": entries,
		"count":   len(entries),
	})
}

// handleConnectionHistory returns recorded session transitions, newest first.
func (s *Server) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "state history unavailable")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, err := s.history.RecentConnections(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load connection history", "error", err)
		writeInternalError(w, "failed to load connection history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": events,
		"count":   len(events),
	})
}

// parseHistoryLimit parses the limit query parameter with bounds enforcement.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
