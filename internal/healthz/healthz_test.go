package healthz

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpointReflectsLiveness(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	mux := NewMux(Options{AgentID: "agent-1", Healthy: healthy.Load})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agent-1/__SDCINTERNAL__/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())

	healthy.Store(false)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agent-1/__SDCINTERNAL__/healthcheck", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestOtherAgentPathNotServed(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	NewMux(Options{AgentID: "agent-1"}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agent-2/__SDCINTERNAL__/healthcheck", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	NewMux(Options{AgentID: "a"}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	NewMux(Options{AgentID: "a", Pprof: true}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "profile?debug=1")
}

func TestStartServesOnBoundAddr(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Start(ctx, Options{AgentID: "agent-1"})
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/agent-1/__SDCINTERNAL__/healthcheck")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "ok"))
}
