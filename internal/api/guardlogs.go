package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/orafinite/backend/internal/database"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// GET /v1/guard/logs
func (s *Server) handleListGuardLogs(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := database.GuardLogFilter{
		APIKeyID:    q.Get("api_key_id"),
		ScanType:    q.Get("scan_type"),
		RequestType: q.Get("request_type"),
		Category:    q.Get("category"),
		IPPrefix:    q.Get("ip"),
		Search:      q.Get("search"),
		Page:        1,
		PerPage:     defaultPerPage,
	}

	if v := q.Get("safe"); v != "" {
		safe := v == "true"
		f.Safe = &safe
	}
	if v := q.Get("min_risk_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "min_risk_score must be a number")
			return
		}
		f.MinRiskScore = &score
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "start must be RFC 3339")
			return
		}
		f.Start = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "end must be RFC 3339")
			return
		}
		f.End = &t
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer")
			return
		}
		f.Page = page
	}
	if v := q.Get("per_page"); v != "" {
		perPage, err := strconv.Atoi(v)
		if err != nil || perPage < 1 || perPage > maxPerPage {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "per_page must be between 1 and 200")
			return
		}
		f.PerPage = perPage
	}
	if v := q.Get("cursor"); v != "" {
		createdAt, id, err := database.DecodeGuardLogCursor(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "cursor is malformed")
			return
		}
		f.CursorCreatedAt = &createdAt
		f.CursorID = id
	}

	page, err := s.db.ListGuardLogs(r.Context(), org.ID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list guard logs")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GET /v1/guard/stats
func (s *Server) handleGuardLogStats(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	since, ok := periodStart(period)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_PERIOD", "period must be one of today, 24h, 48h, 3d, 7d, 30d")
		return
	}

	stats, err := s.db.GetGuardLogStats(r.Context(), org.ID, since, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// periodStart maps a stats period name to its window start.
func periodStart(period string) (time.Time, bool) {
	now := time.Now().UTC()
	switch period {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	case "24h":
		return now.Add(-24 * time.Hour), true
	case "48h":
		return now.Add(-48 * time.Hour), true
	case "3d":
		return now.Add(-3 * 24 * time.Hour), true
	case "7d":
		return now.Add(-7 * 24 * time.Hour), true
	case "30d":
		return now.Add(-30 * 24 * time.Hour), true
	default:
		return time.Time{}, false
	}
}
