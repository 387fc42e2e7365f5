// internal/server/server_test.go
package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/jobs"
	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

func setupServer(t *testing.T) (*Server, *jobs.Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := workspace.Open(filepath.Join(dir, "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt := jobs.NewRuntime(store, filepath.Join(dir, "jobs"), jobs.NewBus(), nil)
	srv := New(store, rt, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, rt, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := setupServer(t)

	var body map[string]any
	code := getJSON(t, ts.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestListJobsFiltersByState(t *testing.T) {
	_, rt, ts := setupServer(t)

	j1, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)
	_, err = rt.Start(j1.ID)
	require.NoError(t, err)
	_, err = rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)

	var body struct {
		Jobs  []*types.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/jobs", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)

	code = getJSON(t, ts.URL+"/api/jobs?state=running", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, j1.ID, body.Jobs[0].ID)

	code = getJSON(t, ts.URL+"/api/jobs?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetJobAndCheckpoints(t *testing.T) {
	_, rt, ts := setupServer(t)

	j, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)
	_, err = rt.Start(j.ID)
	require.NoError(t, err)
	_, err = rt.Checkpoint(j.ID, "task:T1:work", map[string]any{"attempt": 1})
	require.NoError(t, err)

	var insp struct {
		Job         *types.Job        `json:"job"`
		Checkpoints []types.Checkpoint `json:"checkpoints"`
	}
	code := getJSON(t, ts.URL+"/api/jobs/"+j.ID, &insp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, j.ID, insp.Job.ID)

	var cps struct {
		Checkpoints []types.Checkpoint `json:"checkpoints"`
		Count       int                `json:"count"`
	}
	code = getJSON(t, ts.URL+"/api/jobs/"+j.ID+"/checkpoints", &cps)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, cps.Count)
	assert.Equal(t, "task:T1:work", cps.Checkpoints[0].Stage)

	code = getJSON(t, ts.URL+"/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelJob(t *testing.T) {
	_, rt, ts := setupServer(t)

	j, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)
	_, err = rt.Start(j.ID)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/jobs/"+j.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled types.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	assert.Equal(t, types.JobCancelled, cancelled.State)

	// Cancelling a terminal job without force conflicts.
	resp2, err := http.Post(ts.URL+"/api/jobs/"+j.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode) // ErrValidation
}

func TestWatchJobStreamsEvents(t *testing.T) {
	_, rt, ts := setupServer(t)

	j, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + j.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = rt.Start(j.ID)
	require.NoError(t, err)
	_, err = rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []jobs.Event
	for len(seen) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev jobs.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		seen = append(seen, ev)
	}

	assert.Equal(t, jobs.EventStateChanged, seen[0].Type)
	assert.Equal(t, j.ID, seen[0].JobID)
}

func TestWatchUnknownJobRejected(t *testing.T) {
	_, _, ts := setupServer(t)

	code := getJSON(t, ts.URL+"/ws/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
