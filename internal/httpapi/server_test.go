package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/salesboard/internal/period"
)

type staticStatus Status

func (s staticStatus) Status() Status { return Status(s) }

func init() {
	gin.SetMode(gin.TestMode)
}

func testStatus() staticStatus {
	return staticStatus{
		Connected:  true,
		BotUser:    "SalesBot#0001",
		StartedAt:  time.Now().Add(-time.Minute),
		Timezone:   "America/Los_Angeles",
		Agents:     4,
		DailyTotal: "$3,200.00",
		LastReset:  period.Tags{Daily: "2026-10-14", Weekly: "2026-W42", Monthly: "2026-10"},
	}
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(testStatus()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(testStatus()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string `json:"status"`
		UptimeSec int64  `json:"uptimeSec"`
		Bot       Status `json:"bot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.GreaterOrEqual(t, body.UptimeSec, int64(59))
	assert.Equal(t, 4, body.Bot.Agents)
	assert.Equal(t, "2026-W42", body.Bot.LastReset.Weekly)
}

func TestHealth_Starting(t *testing.T) {
	s := testStatus()
	s.Connected = false
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"starting"`)
}

func TestIndex(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(testStatus()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "connected as SalesBot#0001")
	assert.Contains(t, w.Body.String(), "$3,200.00 AP")
}

func TestServer_RunAndShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, testStatus())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
