// internal/telemetry/playback.go
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"waternet-gateway/internal/anomaly"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
)

// WindowReader yields the current window for a sensor.
type WindowReader interface {
	Window(sensorID string) *data.SensorWindow
}

// FaultObserver records faulty readings.
type FaultObserver interface {
	Observe(sensorID string, value float64, ts time.Time, isForecasted bool) (data.FaultRecord, bool)
}

// CursorStore persists playback positions.
type CursorStore interface {
	LoadCursors() (map[string]data.CursorState, error)
	SaveCursor(sensorID string, st data.CursorState) error
}

type cursor struct {
	index    int
	version  uint64    // window version the index belongs to
	anchor   time.Time // newest timestamp of that window
	length   int
	restored bool // loaded from the store and not yet matched to a window
}

func (c *cursor) state(now time.Time) data.CursorState {
	return data.CursorState{Index: c.index, Anchor: c.anchor, Length: c.length, UpdatedAt: now}
}

// Playback cycles an index through each sensor's window on a fixed tick so a
// polled batch looks like a live stream. A window whose newest reading is
// older than the stale threshold is not played; the sensor shows as
// unavailable until fresh data arrives.
type Playback struct {
	windows    WindowReader
	sensors    []string
	stale      time.Duration
	classifier *anomaly.Classifier
	faults     FaultObserver
	pub        Publisher
	store      CursorStore
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	cursors  map[string]*cursor
	readouts map[string]data.SensorReadout
}

type PlaybackOption func(*Playback)

func WithFaultObserver(f FaultObserver) PlaybackOption {
	return func(p *Playback) { p.faults = f }
}

func WithPlaybackPublisher(pub Publisher) PlaybackOption {
	return func(p *Playback) { p.pub = pub }
}

func WithCursorStore(s CursorStore) PlaybackOption {
	return func(p *Playback) { p.store = s }
}

func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(p *Playback) { p.logger = l }
}

func WithPlaybackMetrics(m *metrics.Metrics) PlaybackOption {
	return func(p *Playback) { p.metrics = m }
}

func WithPlaybackClock(now func() time.Time) PlaybackOption {
	return func(p *Playback) { p.now = now }
}

func NewPlayback(windows WindowReader, sensors []string, stale time.Duration, classifier *anomaly.Classifier, opts ...PlaybackOption) *Playback {
	p := &Playback{
		windows:    windows,
		sensors:    append([]string(nil), sensors...),
		stale:      stale,
		classifier: classifier,
		logger:     slog.Default(),
		now:        time.Now,
		cursors:    make(map[string]*cursor, len(sensors)),
		readouts:   make(map[string]data.SensorReadout, len(sensors)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, id := range sensors {
		p.cursors[id] = &cursor{}
		p.readouts[id] = data.SensorReadout{SensorID: id, Tier: data.TierUnavailable}
	}
	return p
}

// Restore loads persisted cursor positions. A restored index is only kept if
// the first window fetched afterwards is the one it was taken from.
func (p *Playback) Restore() error {
	if p.store == nil {
		return nil
	}
	saved, err := p.store.LoadCursors()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range saved {
		c, ok := p.cursors[id]
		if !ok {
			continue
		}
		c.index = st.Index
		c.anchor = st.Anchor
		c.length = st.Length
		c.restored = true
		p.logger.Info("cursor restored", "sensor", id, "index", st.Index, "length", st.Length)
	}
	return nil
}

// Reset moves the sensor's cursor onto a newly fetched window. It is
// registered as a WindowStore refresh hook.
func (p *Playback) Reset(w *data.SensorWindow) {
	if w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[w.SensorID]
	if !ok {
		return
	}
	if p.syncLocked(c, w) {
		p.persistLocked(w.SensorID, c)
	}
}

// syncLocked points c at window w if it is not already. It reports whether
// the cursor changed.
func (p *Playback) syncLocked(c *cursor, w *data.SensorWindow) bool {
	if w.Version <= c.version && !c.restored {
		return false
	}
	var anchor time.Time
	if newest, ok := w.Newest(); ok {
		anchor = newest.Timestamp
	}
	resume := c.restored && w.Len() > 0 && w.Len() == c.length &&
		anchor.Equal(c.anchor) && c.index >= 0 && c.index < w.Len()
	if !resume {
		c.index = 0
	}
	c.version = w.Version
	c.anchor = anchor
	c.length = w.Len()
	c.restored = false
	return true
}

func (p *Playback) persistLocked(sensorID string, c *cursor) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveCursor(sensorID, c.state(p.now())); err != nil {
		p.logger.Error("persist cursor", "sensor", sensorID, "error", err)
	}
}

type tickResult struct {
	readout data.SensorReadout
	observe bool
	reading data.Reading
}

// Tick advances every sensor once and publishes a readout per sensor, whether
// or not its index moved.
func (p *Playback) Tick(now time.Time) []data.SensorReadout {
	results := make([]tickResult, 0, len(p.sensors))
	for _, id := range p.sensors {
		results = append(results, p.tickSensor(id, now))
	}

	out := make([]data.SensorReadout, 0, len(results))
	for _, res := range results {
		if p.pub != nil {
			p.pub.Publish(data.Message{Type: data.TypeSensor, Payload: res.readout})
		}
		if res.observe && p.faults != nil {
			p.faults.Observe(res.readout.SensorID, res.reading.Value, res.reading.Timestamp, false)
		}
		out = append(out, res.readout)
	}
	return out
}

func (p *Playback) tickSensor(id string, now time.Time) tickResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-read the window under the cursor lock. A refresh that raced this
	// tick shows up as a version change and resets the cursor first.
	w := p.windows.Window(id)
	c := p.cursors[id]
	changed := false
	if w != nil {
		changed = p.syncLocked(c, w)
	}

	readout := data.SensorReadout{SensorID: id, Tier: data.TierUnavailable, TickAt: now}
	res := tickResult{}
	n := w.Len()

	switch {
	case n == 0:
		// No window fetched yet: leave a restored cursor for the first one.
		if w != nil && c.index != 0 {
			c.index = 0
			changed = true
		}
		p.count(id, "empty")
	case now.Sub(w.Readings[0].Timestamp) > p.stale:
		readout.Stale = true
		readout.Index = c.index
		readout.Count = n
		readout.Timestamp = w.Readings[0].Timestamp
		p.count(id, "stale")
	default:
		c.index = (c.index + 1) % n
		changed = true
		r := w.Readings[c.index]
		v := r.Value
		readout.Value = &v
		readout.Tier = p.classifier.Classify(v)
		readout.Index = c.index
		readout.Count = n
		readout.Timestamp = r.Timestamp
		res.observe = true
		res.reading = r
		p.count(id, "advanced")
	}

	if changed {
		p.persistLocked(id, c)
	}
	p.readouts[id] = readout
	res.readout = readout
	return res
}

func (p *Playback) count(sensorID, result string) {
	if p.metrics != nil {
		p.metrics.PlaybackTicks.WithLabelValues(sensorID, result).Inc()
	}
}

// Index returns the cursor position and the window version it belongs to.
func (p *Playback) Index(sensorID string) (index int, version uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[sensorID]
	if !ok {
		return 0, 0, false
	}
	return c.index, c.version, true
}

// Readout returns the last displayed value for a sensor.
func (p *Playback) Readout(sensorID string) (data.SensorReadout, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.readouts[sensorID]
	return r, ok
}

// Readouts returns the last displayed value of every sensor, ordered by id.
func (p *Playback) Readouts() []data.SensorReadout {
	p.mu.Lock()
	out := make([]data.SensorReadout, 0, len(p.readouts))
	for _, r := range p.readouts {
		out = append(out, r)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// Run ticks every interval until ctx is done.
func (p *Playback) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(p.now())
		}
	}
}
