// internal/websocket/hub.go
package websocket

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
)

const (
	defaultBufferSize    = 256
	defaultFaultCapacity = 50
)

// Subscription is one registered receiver. Its channel is closed when the
// subscriber is dropped, unsubscribes, or the hub closes.
type Subscription struct {
	ID   string
	send chan data.Message
	hub  *Hub
}

// C returns the delivery channel. The first message is always a snapshot.
func (s *Subscription) C() <-chan data.Message {
	return s.send
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.unsubscribe(s)
	}
}

// Hub maintains the set of active subscribers and the last observed state of
// every valve and sensor, so late joiners never start blank.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	state   hubState
	buffer  int
	onFirst func()

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type hubState struct {
	valves     map[int]data.ValveState
	sensors    map[string]data.SensorReadout
	forecasts  map[string]data.ForecastSample
	refreshed  map[string]time.Time
	counts     map[string]int
	dataWindow string
	forecast   string
	faults     []data.FaultRecord
	faultCap   int
	thresholds *data.ThresholdInfo
}

type Option func(*Hub)

// WithBufferSize sets the per-subscriber queue length. A subscriber whose
// queue is full when a message is published is dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithFaultCapacity bounds the fault list carried in snapshots.
func WithFaultCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.state.faultCap = n
		}
	}
}

// WithDataWindow sets the window label reported in snapshot metadata.
func WithDataWindow(d time.Duration) Option {
	return func(h *Hub) { h.state.dataWindow = d.String() }
}

// WithThresholds reports the classification limits in snapshot metadata.
func WithThresholds(critical, warning float64) Option {
	return func(h *Hub) { h.state.thresholds = &data.ThresholdInfo{Critical: critical, Warning: warning} }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBufferSize,
		state: hubState{
			valves:    make(map[int]data.ValveState),
			sensors:   make(map[string]data.SensorReadout),
			forecasts: make(map[string]data.ForecastSample),
			refreshed: make(map[string]time.Time),
			counts:    make(map[string]int),
			faultCap:  defaultFaultCapacity,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnFirstSubscriber registers fn to run (in its own goroutine) whenever the
// subscriber count goes from zero to one.
func (h *Hub) OnFirstSubscriber(fn func()) {
	h.mu.Lock()
	h.onFirst = fn
	h.mu.Unlock()
}

// Subscribe registers a subscriber and queues a full snapshot for it before
// any incremental update can reach it.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	sub := &Subscription{
		ID:   uuid.NewString(),
		send: make(chan data.Message, h.buffer+1),
		hub:  h,
	}
	if h.closed {
		h.mu.Unlock()
		close(sub.send)
		sub.hub = nil
		return sub
	}
	sub.send <- data.Message{Type: data.TypeSnapshot, Payload: h.snapshotLocked()}
	h.subs[sub] = struct{}{}
	first := len(h.subs) == 1
	onFirst := h.onFirst
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info("subscriber registered", "id", sub.ID, "subscribers", count)
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(count))
	}
	if first && onFirst != nil {
		go onFirst()
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.logger.Info("subscriber unregistered", "id", sub.ID, "subscribers", count)
		if h.metrics != nil {
			h.metrics.Subscribers.Set(float64(count))
		}
	}
}

// Publish records msg in the hub state and delivers it to every subscriber.
// Delivery never blocks: a subscriber whose queue is full is dropped.
func (h *Hub) Publish(msg data.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.applyLocked(msg)

	for sub := range h.subs {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("subscriber queue full, dropping", "id", sub.ID)
			delete(h.subs, sub)
			close(sub.send)
			if h.metrics != nil {
				h.metrics.SubscribersDropped.Inc()
				h.metrics.Subscribers.Set(float64(len(h.subs)))
			}
		}
	}
	if h.metrics != nil {
		h.metrics.MessagesPublished.WithLabelValues(msg.Type).Inc()
	}
}

func (h *Hub) applyLocked(msg data.Message) {
	switch p := msg.Payload.(type) {
	case data.ValveState:
		h.state.valves[p.ID] = p
	case data.SensorReadout:
		h.state.sensors[p.SensorID] = p
	case data.WindowInfo:
		h.state.refreshed[p.SensorID] = p.FetchedAt
		h.state.counts[p.SensorID] = p.Count
	case data.ForecastSample:
		h.state.forecasts[p.SensorID] = p
	case data.ForecastStatus:
		h.state.forecast = p.Status
	case data.FaultRecord:
		h.state.faults = append(h.state.faults, p)
		if over := len(h.state.faults) - h.state.faultCap; over > 0 {
			h.state.faults = append([]data.FaultRecord(nil), h.state.faults[over:]...)
		}
	case data.Snapshot:
		h.seedLocked(p)
	}
}

// Resync queues a fresh snapshot for sub. It reports false if sub is no
// longer registered or its queue is full.
func (h *Hub) Resync(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	select {
	case sub.send <- data.Message{Type: data.TypeSnapshot, Payload: h.snapshotLocked()}:
		return true
	default:
		return false
	}
}

// Seed replaces the hub state, typically with restored state at startup.
func (h *Hub) Seed(s data.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seedLocked(s)
}

func (h *Hub) seedLocked(s data.Snapshot) {
	for id, v := range s.Valves {
		h.state.valves[id] = v
	}
	for id, r := range s.Sensors {
		h.state.sensors[id] = r
	}
	for id, f := range s.Forecasts {
		h.state.forecasts[id] = f
	}
	for id, t := range s.Metadata.LastRefresh {
		h.state.refreshed[id] = t
	}
	for id, n := range s.Metadata.Counts {
		h.state.counts[id] = n
	}
	if s.Metadata.Forecast != "" {
		h.state.forecast = s.Metadata.Forecast
	}
	if s.Faults != nil {
		faults := s.Faults
		if over := len(faults) - h.state.faultCap; over > 0 {
			faults = faults[over:]
		}
		h.state.faults = append([]data.FaultRecord(nil), faults...)
	}
}

// Snapshot returns a copy of the current state.
func (h *Hub) Snapshot() data.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() data.Snapshot {
	s := data.Snapshot{
		Valves:    make(map[int]data.ValveState, len(h.state.valves)),
		Sensors:   make(map[string]data.SensorReadout, len(h.state.sensors)),
		Forecasts: make(map[string]data.ForecastSample, len(h.state.forecasts)),
		Faults:    append([]data.FaultRecord{}, h.state.faults...),
		Metadata: data.Metadata{
			LastRefresh:   make(map[string]time.Time, len(h.state.refreshed)),
			Counts:        make(map[string]int, len(h.state.counts)),
			DataWindow:    h.state.dataWindow,
			Forecast:      h.state.forecast,
			FaultCapacity: h.state.faultCap,
		},
		GeneratedAt: h.now(),
	}
	if t := h.state.thresholds; t != nil {
		th := *t
		s.Metadata.Thresholds = &th
	}
	for id, v := range h.state.valves {
		s.Valves[id] = v
	}
	for id, r := range h.state.sensors {
		s.Sensors[id] = r
	}
	for id, f := range h.state.forecasts {
		s.Forecasts[id] = f
	}
	for id, t := range h.state.refreshed {
		s.Metadata.LastRefresh[id] = t
	}
	for id, n := range h.state.counts {
		s.Metadata.Counts[id] = n
	}
	return s
}

// SubscriberIDs lists registered subscribers, sorted.
func (h *Hub) SubscriberIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subs))
	for sub := range h.subs {
		ids = append(ids, sub.ID)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close drops every subscriber. Publish becomes a no-op and later
// subscriptions are returned already closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(0)
	}
	h.logger.Info("hub closed")
}
