package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/presenced/pkg/coordinator"
	"github.com/marmos91/presenced/pkg/directory/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	dir := memory.New()
	coord, err := coordinator.New(coordinator.Config{VNodeCount: 1024}, dir)
	require.NoError(t, err)
	return NewRouter(coord, dir)
}

func TestRouter_EndToEnd(t *testing.T) {
	router := newTestRouter(t)

	// Liveness.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Readiness.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cold route misses.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/route?userId=u1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Register an instance covering the whole ring.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/nodes/register",
		strings.NewReader(`{"instanceId":"node-a","weight":100}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Route now resolves.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/route?userId=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "node-a", body["instance"])

	// Unregister releases everything.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/nodes/unregister",
		strings.NewReader(`{"instanceId":"node-a"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_UnknownPath(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
