// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"waternet-gateway/internal/auth"
	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/websocket"
)

const maxFeedBody = 1 << 10

// ValveFeed accepts parsed switch events. valve.Synchronizer implements it.
type ValveFeed interface {
	Apply(ev data.SwitchEvent) bool
}

// FaultHistory is the read side of the fault recorder.
type FaultHistory interface {
	History() []data.FaultRecord
}

// WindowSource exposes the raw sensor windows.
type WindowSource interface {
	Sensors() []string
	Window(sensorID string) *data.SensorWindow
}

// HealthCheck reports a dependency's status; nil means healthy.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Hub        *websocket.Hub
	Valves     ValveFeed
	Faults     FaultHistory
	Windows    WindowSource
	Auth       *auth.AuthManager
	Health     map[string]HealthCheck
	DataWindow time.Duration
	WebDir     string
	Origins    []string
	Logger     *slog.Logger
}

type APIHandler struct {
	hub        *websocket.Hub
	valves     ValveFeed
	faults     FaultHistory
	windows    WindowSource
	auth       *auth.AuthManager
	health     map[string]HealthCheck
	dataWindow time.Duration
	tmpl       *template.Template
	webDir     string
	upgrader   gwebsocket.Upgrader
	logger     *slog.Logger
	now        func() time.Time
}

func NewAPIHandler(d Deps) *APIHandler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	am := d.Auth
	if am == nil {
		am = auth.NewAuthManager(config.AuthConfig{})
	}
	h := &APIHandler{
		hub:        d.Hub,
		valves:     d.Valves,
		faults:     d.Faults,
		windows:    d.Windows,
		auth:       am,
		health:     d.Health,
		dataWindow: d.DataWindow,
		webDir:     d.WebDir,
		logger:     logger,
		now:        time.Now,
	}
	h.upgrader = gwebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(d.Origins),
	}

	// The UI bundle is optional; without templates only the API is served.
	if d.WebDir != "" {
		tmpl, err := template.ParseGlob(filepath.Join(d.WebDir, "templates", "*.html"))
		if err != nil {
			logger.Warn("web templates not loaded, UI disabled", "dir", d.WebDir, "error", err)
		} else {
			h.tmpl = tmpl
		}
	}
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleSnapshot returns the full current state.
func (h *APIHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Snapshot())
}

// HandleValveData returns {"valveN": "open"|"closed"|null}. Pending and
// never-reported valves are null.
func (h *APIHandler) HandleValveData(w http.ResponseWriter, r *http.Request) {
	snap := h.hub.Snapshot()
	out := make(map[string]interface{}, len(snap.Valves))
	for id, st := range snap.Valves {
		key := "valve" + strconv.Itoa(id)
		if st.Phase.Settled() {
			out[key] = st.Phase.String()
		} else {
			out[key] = nil
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type sensorData struct {
	Value     []float64  `json:"value"`
	Timestamp *time.Time `json:"timestamp"`
}

type sensorMetadata struct {
	LastUpdate time.Time      `json:"last_update"`
	DataWindow string         `json:"data_window"`
	Counts     map[string]int `json:"counts"`
}

// HandleSensorData returns the raw windows, newest first, keyed by sensor id,
// plus a "metadata" entry.
func (h *APIHandler) HandleSensorData(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{})
	meta := sensorMetadata{
		LastUpdate: h.now().UTC(),
		DataWindow: h.dataWindow.String(),
		Counts:     make(map[string]int),
	}
	for _, id := range h.windows.Sensors() {
		sd := sensorData{Value: []float64{}}
		win := h.windows.Window(id)
		for _, rd := range readings(win) {
			sd.Value = append(sd.Value, rd.Value)
		}
		if newest, ok := win.Newest(); ok {
			ts := newest.Timestamp
			sd.Timestamp = &ts
		}
		out[id] = sd
		meta.Counts[id] = win.Len()
	}
	out["metadata"] = meta
	writeJSON(w, http.StatusOK, out)
}

func readings(w *data.SensorWindow) []data.Reading {
	if w == nil {
		return nil
	}
	return w.Readings
}

// HandleFaults returns the fault history, oldest first. ?limit=N keeps the
// newest N.
func (h *APIHandler) HandleFaults(w http.ResponseWriter, r *http.Request) {
	hist := h.faults.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(hist) {
			hist = hist[len(hist)-n:]
		}
	}
	writeJSON(w, http.StatusOK, hist)
}

// HandleFeed injects one actuator message, as if it arrived on the feed.
// The body is either the raw message or {"message": "..."}.
func (h *APIHandler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFeedBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		body = []byte(req.Message)
	}

	ev, err := data.ParseSwitch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.valves.Apply(ev) {
		writeError(w, http.StatusNotFound, "unknown valve "+strconv.Itoa(ev.Switch))
		return
	}
	h.logger.Info("feed message injected", "switch", ev.Switch, "state", string(ev.State))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil || !h.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "authentication not configured")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	token, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		h.logger.Error("sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: role})
}

// HandleHealth runs every registered check. Any failure yields 503.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

// HandleWebSocket upgrades connections and registers clients with the hub
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, h.logger)
	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("websocket connection established", "remote", conn.RemoteAddr().String(), "subscription", client.Sub.ID)
}

// ServeWebUI serves the main HTML page
func (h *APIHandler) ServeWebUI(w http.ResponseWriter, r *http.Request) {
	if h.tmpl == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.tmpl.ExecuteTemplate(w, "index.html", nil); err != nil {
		h.logger.Error("execute template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
