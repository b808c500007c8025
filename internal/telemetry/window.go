// internal/telemetry/window.go
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
)

// ErrUnknownSensor is returned for sensor ids outside the configured set.
var ErrUnknownSensor = errors.New("unknown sensor")

// Source is the time-series collaborator. Query returns readings with
// Timestamp >= since, newest first, at most limit of them.
type Source interface {
	Query(ctx context.Context, sensorID string, since time.Time, limit int) ([]data.Reading, error)
}

// Publisher receives window and readout updates.
type Publisher interface {
	Publish(msg data.Message)
}

// WindowStore owns the most recent window of readings per sensor. Windows are
// swapped atomically; readers hold an immutable *data.SensorWindow.
type WindowStore struct {
	source   Source
	sensors  []string
	lookback time.Duration
	limit    int
	timeout  time.Duration
	pub      Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	inflight map[string]*sync.Mutex // serializes refreshes per sensor

	mu      sync.RWMutex
	windows map[string]*data.SensorWindow
	version uint64
	hooks   []func(*data.SensorWindow)
}

type WindowOption func(*WindowStore)

func WithQueryTimeout(d time.Duration) WindowOption {
	return func(s *WindowStore) { s.timeout = d }
}

func WithWindowPublisher(p Publisher) WindowOption {
	return func(s *WindowStore) { s.pub = p }
}

func WithWindowLogger(l *slog.Logger) WindowOption {
	return func(s *WindowStore) { s.logger = l }
}

func WithWindowMetrics(m *metrics.Metrics) WindowOption {
	return func(s *WindowStore) { s.metrics = m }
}

func WithWindowClock(now func() time.Time) WindowOption {
	return func(s *WindowStore) { s.now = now }
}

func NewWindowStore(source Source, sensors []string, lookback time.Duration, limit int, opts ...WindowOption) *WindowStore {
	s := &WindowStore{
		source:   source,
		sensors:  append([]string(nil), sensors...),
		lookback: lookback,
		limit:    limit,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]*sync.Mutex, len(sensors)),
		windows:  make(map[string]*data.SensorWindow, len(sensors)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range sensors {
		s.inflight[id] = &sync.Mutex{}
	}
	return s
}

// OnRefresh registers fn to run after every successful refresh, in version
// order for a given sensor. Register hooks before starting refreshes.
func (s *WindowStore) OnRefresh(fn func(*data.SensorWindow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Sensors returns the configured sensor ids.
func (s *WindowStore) Sensors() []string {
	return append([]string(nil), s.sensors...)
}

// Window returns the current window for sensorID, or nil before the first
// successful refresh.
func (s *WindowStore) Window(sensorID string) *data.SensorWindow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windows[sensorID]
}

// Refresh fetches a new window for one sensor. On failure the previous window
// stays in place and the error is returned for logging; it is never fatal.
func (s *WindowStore) Refresh(ctx context.Context, sensorID string) error {
	lock, ok := s.inflight[sensorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, sensorID)
	}
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	since := now.Add(-s.lookback)

	qctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	readings, err := s.source.Query(qctx, sensorID, since, s.limit)
	if s.metrics != nil {
		s.metrics.RefreshDuration.WithLabelValues(sensorID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Warn("window refresh failed, keeping previous window", "sensor", sensorID, "error", err)
		if s.metrics != nil {
			s.metrics.WindowRefreshes.WithLabelValues(sensorID, "error").Inc()
		}
		return fmt.Errorf("refresh %s: %w", sensorID, err)
	}

	readings = normalize(readings, since, s.limit)

	s.mu.Lock()
	s.version++
	w := &data.SensorWindow{
		SensorID:  sensorID,
		Readings:  readings,
		FetchedAt: now,
		Version:   s.version,
	}
	s.windows[sensorID] = w
	hooks := append([]func(*data.SensorWindow){}, s.hooks...)
	s.mu.Unlock()

	s.logger.Info("window refreshed", "sensor", sensorID, "readings", len(readings), "version", w.Version)
	if s.metrics != nil {
		s.metrics.WindowRefreshes.WithLabelValues(sensorID, "ok").Inc()
		s.metrics.WindowReadings.WithLabelValues(sensorID).Set(float64(len(readings)))
	}
	for _, fn := range hooks {
		fn(w)
	}
	if s.pub != nil {
		info := data.WindowInfo{SensorID: sensorID, Count: len(readings), FetchedAt: now, Version: w.Version}
		if newest, ok := w.Newest(); ok {
			info.Newest = newest.Timestamp
		}
		s.pub.Publish(data.Message{Type: data.TypeWindow, Payload: info})
	}
	return nil
}

// RefreshAll refreshes every sensor concurrently and returns the first error.
// One sensor failing does not stop the others.
func (s *WindowStore) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range s.sensors {
		id := id
		g.Go(func() error { return s.Refresh(ctx, id) })
	}
	return g.Wait()
}

// Run refreshes all sensors immediately and then every interval until ctx is
// done.
func (s *WindowStore) Run(ctx context.Context, interval time.Duration) {
	if err := s.RefreshAll(ctx); err != nil {
		s.logger.Warn("initial window refresh incomplete", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil {
				s.logger.Warn("window refresh incomplete", "error", err)
			}
		}
	}
}

// normalize enforces the window invariants regardless of what the source
// returned: nothing older than since, newest first, at most limit readings.
func normalize(in []data.Reading, since time.Time, limit int) []data.Reading {
	out := make([]data.Reading, 0, len(in))
	for _, r := range in {
		if r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
