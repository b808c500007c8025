package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"waternet-gateway/internal/auth"
	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
	"waternet-gateway/internal/websocket"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeValves struct {
	mu     sync.Mutex
	known  map[int]bool
	events []data.SwitchEvent
}

func (f *fakeValves) Apply(ev data.SwitchEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[ev.Switch] {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

type fakeFaults []data.FaultRecord

func (f fakeFaults) History() []data.FaultRecord { return f }

type fakeWindows map[string]*data.SensorWindow

func (f fakeWindows) Sensors() []string { return []string{"actualsensor1", "actualsensor2"} }

func (f fakeWindows) Window(id string) *data.SensorWindow { return f[id] }

const apiKey = "feed-key"

type fixture struct {
	srv    *httptest.Server
	hub    *websocket.Hub
	valves *fakeValves
	auth   *auth.AuthManager
}

func newFixture(t *testing.T, authCfg config.AuthConfig) *fixture {
	t.Helper()
	hub := websocket.NewHub(websocket.WithClock(func() time.Time { return t0 }))
	t.Cleanup(hub.Close)

	valves := &fakeValves{known: map[int]bool{1: true, 2: true}}
	authCfg.APIKeys = append(authCfg.APIKeys, apiKey)
	am := auth.NewAuthManager(authCfg)

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.New().Register(reg))

	h := NewAPIHandler(Deps{
		Hub:    hub,
		Valves: valves,
		Faults: fakeFaults{
			{ID: "a", Seq: 1, SensorID: "actualsensor1", Value: 3, Tier: data.TierCritical},
			{ID: "b", Seq: 2, SensorID: "actualsensor2", Value: 6, Tier: data.TierWarning},
		},
		Windows: fakeWindows{
			"actualsensor1": {SensorID: "actualsensor1", Readings: []data.Reading{
				{Value: 6.0, Timestamp: t0.Add(time.Minute)},
				{Value: 5.0, Timestamp: t0},
			}},
		},
		Auth: am,
		Health: map[string]HealthCheck{
			"mongo": func(context.Context) error { return nil },
		},
		DataWindow: 15 * time.Minute,
	})
	h.now = func() time.Time { return t0 }

	srv := httptest.NewServer(SetupAPIRouter(h, reg, nil))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, hub: hub, valves: valves, auth: am}
}

func get(t *testing.T, url string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	f.hub.Publish(data.Message{Type: data.TypeValve, Payload: data.ValveState{ID: 1, Phase: data.PhaseOpen}})

	resp, body := get(t, f.srv.URL+"/api/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap data.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, data.PhaseOpen, snap.Valves[1].Phase)
	assert.Equal(t, t0, snap.GeneratedAt)
}

func TestValveDataEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	f.hub.Publish(data.Message{Type: data.TypeValve, Payload: data.ValveState{ID: 1, Phase: data.PhaseClosed}})
	f.hub.Publish(data.Message{Type: data.TypeValve, Payload: data.ValveState{ID: 2, Phase: data.PhasePending}})

	_, body := get(t, f.srv.URL+"/api/valve-data")
	assert.JSONEq(t, `{"valve1":"closed","valve2":null}`, string(body))
}

func TestSensorDataEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	_, body := get(t, f.srv.URL+"/api/actualsensor-data")
	assert.JSONEq(t, `{
		"actualsensor1": {"value": [6, 5], "timestamp": "2024-06-01T08:01:00Z"},
		"actualsensor2": {"value": [], "timestamp": null},
		"metadata": {
			"last_update": "2024-06-01T08:00:00Z",
			"data_window": "15m0s",
			"counts": {"actualsensor1": 2, "actualsensor2": 0}
		}
	}`, string(body))
}

func TestFaultsEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	_, body := get(t, f.srv.URL+"/api/faults")
	var all []data.FaultRecord
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 2)

	_, body = get(t, f.srv.URL+"/api/faults?limit=1")
	var last []data.FaultRecord
	require.NoError(t, json.Unmarshal(body, &last))
	require.Len(t, last, 1)
	assert.Equal(t, "b", last[0].ID)

	resp, _ := get(t, f.srv.URL+"/api/faults?limit=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func post(t *testing.T, url, contentType, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFeedEndpoint(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	url := f.srv.URL + "/api/feed"

	tests := []struct {
		name        string
		contentType string
		body        string
		key         string
		code        int
	}{
		{"no key", "text/plain", "Switch 1: ON", "", http.StatusUnauthorized},
		{"raw", "text/plain", "Switch 1: ON", apiKey, http.StatusAccepted},
		{"json", "application/json", `{"message":"Switch 2: OFF"}`, apiKey, http.StatusAccepted},
		{"malformed", "text/plain", "switch one on", apiKey, http.StatusBadRequest},
		{"bad json", "application/json", `{`, apiKey, http.StatusBadRequest},
		{"unknown valve", "text/plain", "Switch 9: ON", apiKey, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header []string
			if tt.key != "" {
				header = []string{"X-API-Key", tt.key}
			}
			resp := post(t, url, tt.contentType, tt.body, header...)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	assert.Equal(t, []data.SwitchEvent{
		{Switch: 1, State: data.SwitchOn},
		{Switch: 2, State: data.SwitchOff},
	}, f.valves.events)
}

func TestLoginAndProtectedEndpoints(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, config.AuthConfig{
		JWTSecret:     "secret",
		JWTExpiration: 5,
		Users:         []config.User{{Username: "op", PasswordHash: string(hash), Role: "viewer"}},
	})

	resp, _ := get(t, f.srv.URL+"/api/snapshot")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := post(t, f.srv.URL+"/api/login", "application/json", `{"username":"op","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	ok := post(t, f.srv.URL+"/api/login", "application/json", `{"username":"op","password":"pw"}`)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	var lr loginResponse
	require.NoError(t, json.NewDecoder(ok.Body).Decode(&lr))
	assert.Equal(t, "viewer", lr.Role)

	resp, _ = get(t, f.srv.URL+"/api/snapshot", "Authorization", "Bearer "+lr.Token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginDisabled(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	resp := post(t, f.srv.URL+"/api/login", "application/json", `{"username":"a","password":"b"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	resp, body := get(t, f.srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"mongo":"ok"`)

	resp, body = get(t, f.srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "waternet_hub_subscribers")
}

func TestHealthReportsFailures(t *testing.T) {
	h := NewAPIHandler(Deps{
		Hub: websocket.NewHub(),
		Health: map[string]HealthCheck{
			"mqtt": func(context.Context) error { return errors.New("disconnected") },
		},
	})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestWebSocketReceivesSnapshotThenUpdates(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	f.hub.Publish(data.Message{Type: data.TypeValve, Payload: data.ValveState{ID: 1, Phase: data.PhaseClosed}})

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	type envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	read := func() envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	first := read()
	require.Equal(t, data.TypeSnapshot, first.Type)
	var snap data.Snapshot
	require.NoError(t, json.Unmarshal(first.Payload, &snap))
	assert.Equal(t, data.PhaseClosed, snap.Valves[1].Phase)

	f.hub.Publish(data.Message{Type: data.TypeValve, Payload: data.ValveState{ID: 1, Phase: data.PhasePending}})
	next := read()
	assert.Equal(t, data.TypeValve, next.Type)
	var st data.ValveState
	require.NoError(t, json.Unmarshal(next.Payload, &st))
	assert.Equal(t, data.PhasePending, st.Phase)

	// explicit resync request
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "snapshot"}))
	assert.Equal(t, data.TypeSnapshot, read().Type)
}
