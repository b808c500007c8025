// internal/forecast/client.go
package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
)

const dataPath = "/api/forecast-data"

var (
	// ErrUnavailable wraps every failure to reach the forecast service,
	// including requests refused while the breaker is open.
	ErrUnavailable = errors.New("forecast service unavailable")
	ErrBadResponse = errors.New("bad forecast response")
)

// Result is one decoded poll of the forecast service.
type Result struct {
	Status  string
	Samples []data.ForecastSample // ordered by sensor id
	Batches map[string]int
	AsOf    time.Time
}

// Sample returns the forecast for sensorID, if the service had one.
func (r Result) Sample(sensorID string) (data.ForecastSample, bool) {
	for _, s := range r.Samples {
		if s.SensorID == sensorID {
			return s, true
		}
	}
	return data.ForecastSample{}, false
}

type payload struct {
	Status      string                     `json:"status"`
	Forecasts   map[string]json.RawMessage `json:"forecasts"`
	BatchStatus map[string]int             `json:"batch_status"`
	Timestamp   float64                    `json:"timestamp"`
}

// Client fetches forecasts over HTTP through a circuit breaker, so a dead
// forecast service costs one fast failure per poll instead of a timeout.
type Client struct {
	url      string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	sensors  map[string]string // forecast key -> sensor id
	leadTime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.ForecastConfig, sensors []config.SensorConfig, opts ...Option) *Client {
	c := &Client{
		url:      strings.TrimRight(cfg.URL, "/") + dataPath,
		http:     &http.Client{Timeout: cfg.Timeout},
		sensors:  make(map[string]string, len(sensors)),
		leadTime: cfg.LeadTime,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range sensors {
		key := s.ForecastKey
		if key == "" {
			key = s.ID
		}
		c.sensors[key] = s.ID
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "forecast",
		Timeout: cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Fetch polls the forecast service once.
func (c *Client) Fetch(ctx context.Context) (Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return c.decode(out.([]byte))
}

// LatestForecast returns the current forecast for one sensor. ok is false
// while the service has nothing for it yet.
func (c *Client) LatestForecast(ctx context.Context, sensorID string) (data.ForecastSample, bool, error) {
	res, err := c.Fetch(ctx)
	if err != nil {
		return data.ForecastSample{}, false, err
	}
	s, ok := res.Sample(sensorID)
	return s, ok, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Client) decode(body []byte) (Result, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	asOf := c.now()
	if p.Timestamp > 0 {
		sec, frac := math.Modf(p.Timestamp)
		asOf = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	res := Result{Status: p.Status, AsOf: asOf, Batches: make(map[string]int, len(p.BatchStatus))}
	for key, raw := range p.Forecasts {
		id, known := c.sensors[key]
		if !known {
			continue
		}
		v, ok, err := latestValue(raw)
		if err != nil {
			c.logger.Warn("ignoring undecodable forecast", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		res.Samples = append(res.Samples, data.ForecastSample{
			SensorID:   id,
			Value:      v,
			AsOf:       asOf,
			ExpectedAt: asOf.Add(c.leadTime),
		})
	}
	for key, n := range p.BatchStatus {
		if id, known := c.sensors[key]; known {
			res.Batches[id] = n
		}
	}
	sort.Slice(res.Samples, func(i, j int) bool { return res.Samples[i].SensorID < res.Samples[j].SensorID })
	return res, nil
}

// latestValue accepts a number, an array of numbers (the last one is the
// latest) or null.
func latestValue(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	if raw[0] == '[' {
		var vals []*float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			return 0, false, err
		}
		for i := len(vals) - 1; i >= 0; i-- {
			if vals[i] != nil {
				return *vals[i], true, nil
			}
		}
		return 0, false, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}
