package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadinessAndDrain(t *testing.T) {
	ts := newTestServer(t, nil)

	get := func(path string) int {
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Result().StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))

	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	// Draining twice reports "already draining" but stays 200
	assert.Equal(t, http.StatusOK, get("/drain"))

	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/readyz"))

	// Liveness is independent of readiness
	assert.Equal(t, http.StatusOK, get("/livez"))
}
