package httpstatus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netweaver/flowcollector/pkg/stats"
)

func newTestServer() *Server {
	reg := stats.NewRegistry()
	reg.ForSource("probe0").RecordsDecoded.Store(42)
	return NewServer(":0", stats.NewProvider(reg))
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusJSON(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe0")
}

func TestStatusText(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/status.txt", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "=== probe0 ===")
}

func TestStatusHTML(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/status.html", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<div class="stat">`)
}
