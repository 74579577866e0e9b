package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orafinite/backend/internal/auditlog"
	"github.com/orafinite/backend/internal/database"
)

func publishEvent(t *testing.T, hub *eventHub, orgID string) []byte {
	t.Helper()
	payload, err := json.Marshal(auditlog.GuardLogEvent{
		Type: "guard_log",
		Log:  database.GuardLog{ID: "log-1", OrganizationID: orgID, Safe: false},
	})
	require.NoError(t, err)
	hub.dispatch(payload)
	return payload
}

func TestEventHub_RoutesByOrganization(t *testing.T) {
	hub := newEventHub(nil)

	orgA := hub.register("org-a")
	defer hub.unregister(orgA)
	orgB := hub.register("org-b")
	defer hub.unregister(orgB)

	payload := publishEvent(t, hub, "org-a")

	select {
	case got := <-orgA.ch:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("org-a client never received the event")
	}

	select {
	case <-orgB.ch:
		t.Fatal("org-b client received another organization's event")
	default:
	}
}

func TestEventHub_DropsSlowClients(t *testing.T) {
	hub := newEventHub(nil)
	c := hub.register("org-a")
	defer hub.unregister(c)

	// Fill the buffer past capacity; dispatch must never block.
	for i := 0; i < clientBufferSize+10; i++ {
		publishEvent(t, hub, "org-a")
	}

	assert.Len(t, c.ch, clientBufferSize)
}

func TestEventHub_IgnoresMalformedPayload(t *testing.T) {
	hub := newEventHub(nil)
	c := hub.register("org-a")
	defer hub.unregister(c)

	hub.dispatch([]byte("{not json"))

	assert.Empty(t, c.ch)
}

func TestPeriodStart(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		period string
		maxAge time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"48h", 48 * time.Hour},
		{"3d", 3 * 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			since, ok := periodStart(tt.period)
			require.True(t, ok)
			assert.WithinDuration(t, now.Add(-tt.maxAge), since, 5*time.Second)
		})
	}

	t.Run("today is midnight UTC", func(t *testing.T) {
		since, ok := periodStart("today")
		require.True(t, ok)
		assert.Equal(t, 0, since.Hour())
		assert.Equal(t, 0, since.Minute())
		assert.Equal(t, now.Day(), since.Day())
	})

	t.Run("unknown period rejected", func(t *testing.T) {
		_, ok := periodStart("fortnight")
		assert.False(t, ok)
	})
}
