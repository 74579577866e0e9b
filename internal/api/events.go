package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/orafinite/backend/internal/auditlog"
	"github.com/orafinite/backend/internal/auth"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/metrics"
	"github.com/orafinite/backend/internal/redisx"
)

const (
	ticketPrefix = "sse_ticket:"
	ticketTTL    = 30 * time.Second

	// Slow consumers get dropped rather than backing up the hub.
	clientBufferSize = 256

	statsInterval = 10 * time.Second
	pingInterval  = 15 * time.Second

	scanEventPoll    = 2 * time.Second
	scanEventMaxLife = 50 * time.Minute
)

// ============================================================================
// Event hub
// ============================================================================

// eventClient is one connected SSE or WebSocket consumer.
type eventClient struct {
	orgID string
	ch    chan []byte
}

// eventHub fans guard log events out to connected dashboard clients,
// filtered by organization.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	metrics *metrics.Metrics
}

func newEventHub(m *metrics.Metrics) *eventHub {
	return &eventHub{
		clients: make(map[*eventClient]struct{}),
		metrics: m,
	}
}

// Start subscribes the hub to the audit log channel. The returned stop
// function tears the subscription down.
func (h *eventHub) Start(ctx context.Context, redis redisx.Client) (func(), error) {
	return redis.Subscribe(ctx, auditlog.Channel, h.dispatch)
}

// dispatch routes one published event to every client in its
// organization. Clients whose buffer is full miss the event.
func (h *eventHub) dispatch(payload []byte) {
	var evt auditlog.GuardLogEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		log.Printf("⚠️ [Events] malformed event on %s: %v", auditlog.Channel, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.orgID != evt.Log.OrganizationID {
			continue
		}
		select {
		case c.ch <- payload:
		default:
		}
	}
}

func (h *eventHub) register(orgID string) *eventClient {
	c := &eventClient{orgID: orgID, ch: make(chan []byte, clientBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventClients.Set(float64(n))
	}
	return c
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventClients.Set(float64(n))
	}
}

// ============================================================================
// POST /v1/guard/events/ticket
// ============================================================================

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expires_in"`
}

// ticketClaims is the identity a minted ticket stands for until it is
// redeemed or expires.
type ticketClaims struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	SessionID      string `json:"session_id"`
	OrganizationID string `json:"organization_id"`
}

// EventSource cannot carry an Authorization header, so the dashboard
// trades its session for a short-lived single-use ticket first.
func (s *Server) handleCreateEventTicket(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	claims, err := json.Marshal(ticketClaims{
		UserID:         session.UserID,
		Email:          session.User.Email,
		Name:           session.User.Name,
		SessionID:      session.SessionID,
		OrganizationID: org.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not issue event ticket")
		return
	}

	ticket := uuid.NewString()
	if err := s.redis.Set(r.Context(), ticketPrefix+ticket, claims, ticketTTL); err != nil {
		writeError(w, http.StatusServiceUnavailable, "TICKET_UNAVAILABLE", "Could not issue event ticket")
		return
	}

	writeJSON(w, http.StatusOK, ticketResponse{
		Ticket:    ticket,
		ExpiresIn: int(ticketTTL.Seconds()),
	})
}

// redeemTicket consumes a ticket atomically so it cannot be replayed.
func (s *Server) redeemTicket(ctx context.Context, ticket string) (*ticketClaims, bool) {
	raw, err := s.redis.GetDel(ctx, ticketPrefix+ticket)
	if err != nil {
		return nil, false
	}
	var claims ticketClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	return &claims, true
}

// streamIdentity authenticates a streaming request: ticket first, then
// the regular session credentials. Failures are written with the code
// matching the credential that was presented.
func (s *Server) streamIdentity(w http.ResponseWriter, r *http.Request) (orgID, userID string, ok bool) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		claims, ok := s.redeemTicket(r.Context(), ticket)
		if !ok {
			writeError(w, http.StatusUnauthorized, "TICKET_INVALID", "Event ticket is invalid or already used")
			return "", "", false
		}
		return claims.OrganizationID, claims.UserID, true
	}
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return "", "", false
	}
	return org.ID, session.UserID, true
}

// ============================================================================
// GET /v1/guard/events
// ============================================================================

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := s.streamIdentity(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := s.hub.register(orgID)
	defer s.hub.unregister(client)

	writeSSE(w, "connected", map[string]any{
		"user_id":         userID,
		"organization_id": orgID,
		"message":         "Connected to guard events",
		"timestamp":       nowStamp(),
	})
	flusher.Flush()

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-client.ch:
			fmt.Fprintf(w, "event: guard_log\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-statsTicker.C:
			since, _ := periodStart("24h")
			stats, err := s.db.GetGuardLogStats(r.Context(), orgID, since, "24h")
			if err != nil {
				continue
			}
			writeSSE(w, "stats_update", stats)
			flusher.Flush()
		case <-pingTicker.C:
			fmt.Fprintf(w, "event: ping\ndata: {\"timestamp\":%q}\n\n", nowStamp())
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// ============================================================================
// GET /v1/scan/{id}/events
// ============================================================================

type scanProgressEvent struct {
	ScanID          string `json:"scan_id"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	ProbesCompleted int    `json:"probes_completed"`
	ProbesTotal     int    `json:"probes_total"`
	Vulnerabilities int    `json:"vulnerabilities_found"`
	Timestamp       string `json:"timestamp"`
}

// handleScanEvents streams the progress of one red-team scan, polling
// the database and emitting deltas until the scan reaches a terminal
// state or the watch window runs out.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := s.streamIdentity(w, r)
	if !ok {
		return
	}
	scanID := mux.Vars(r)["id"]

	scan, err := s.db.GetScan(r.Context(), orgID, userID, scanID)
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, "connected", map[string]any{"scan_id": scan.ID, "status": scan.Status})
	flusher.Flush()

	// A scan that already finished gets its terminal event right away
	// instead of making the client wait out a poll tick.
	switch scan.Status {
	case database.ScanStatusCompleted, database.ScanStatusFailed, database.ScanStatusCancelled:
		writeSSE(w, scan.Status, map[string]any{
			"scan_id":    scan.ID,
			"risk_score": scan.RiskScore,
			"timestamp":  nowStamp(),
		})
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(scanEventPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(scanEventMaxLife)
	defer deadline.Stop()

	seen := make(map[string]struct{})
	lastStatus := scan.Status
	lastCompleted := -1

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeSSE(w, "timeout", map[string]any{"scan_id": scanID})
			flusher.Flush()
			return
		case <-ticker.C:
			cur, err := s.db.GetScan(r.Context(), orgID, userID, scanID)
			if err != nil {
				continue
			}

			if cur.Status != lastStatus || cur.ProbesCompleted != lastCompleted {
				lastStatus = cur.Status
				lastCompleted = cur.ProbesCompleted
				writeSSE(w, "progress", scanProgressEvent{
					ScanID:          cur.ID,
					Status:          cur.Status,
					Progress:        cur.Progress,
					ProbesCompleted: cur.ProbesCompleted,
					ProbesTotal:     cur.ProbesTotal,
					Vulnerabilities: cur.VulnerabilitiesFound,
					Timestamp:       nowStamp(),
				})
				flusher.Flush()
			}

			// Findings not yet streamed go out individually.
			page, err := s.db.GetScanResults(r.Context(), scanID, "", 1, 100)
			if err == nil {
				emitted := false
				for _, res := range page.Results {
					if _, ok := seen[res.ID]; ok {
						continue
					}
					seen[res.ID] = struct{}{}
					writeSSE(w, "vulnerability", res)
					emitted = true
				}
				if emitted {
					flusher.Flush()
				}
			}

			switch cur.Status {
			case database.ScanStatusCompleted, database.ScanStatusFailed, database.ScanStatusCancelled:
				writeSSE(w, cur.Status, map[string]any{
					"scan_id":    cur.ID,
					"risk_score": cur.RiskScore,
					"timestamp":  nowStamp(),
				})
				flusher.Flush()
				return
			}
		}
	}
}

// dashboardOrg is the shared session check for non-streaming dashboard
// endpoints.
func (s *Server) dashboardOrg(w http.ResponseWriter, r *http.Request) (*database.SessionInfo, *database.Organization, bool) {
	session, org, err := s.auth.AuthenticateDashboard(r.Context(), r)
	switch {
	case err == auth.ErrNoCredentials:
		writeError(w, http.StatusUnauthorized, "SESSION_REQUIRED", "Session required")
		return nil, nil, false
	case err == auth.ErrInvalidSession:
		writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Session is invalid or expired")
		return nil, nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Authentication failed")
		return nil, nil, false
	}
	return session, org, true
}
