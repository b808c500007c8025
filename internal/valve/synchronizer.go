// internal/valve/synchronizer.go
package valve

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/debounce"
	"waternet-gateway/internal/metrics"
)

// Publisher receives every observable valve state change.
type Publisher interface {
	Publish(msg data.Message)
}

// Synchronizer turns the free-text switch feed into debounced valve states.
// Every valve shows Pending for at least one debounce interval before it
// settles on Open or Closed.
type Synchronizer struct {
	topic    string
	polarity map[int]data.Phase // phase reported for ON
	pub      Publisher
	timers   *debounce.Group[int]
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	states map[int]data.ValveState
	seq    map[int]uint64 // bumped per accepted event; settle only applies the latest
}

type Option func(*Synchronizer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer builds a synchronizer for the configured valves. It fails if
// any valve lacks a usable polarity.
func NewSynchronizer(topic string, valves []config.ValveConfig, debounceDelay time.Duration, pub Publisher, opts ...Option) (*Synchronizer, error) {
	if len(valves) == 0 {
		return nil, errors.New("no valves configured")
	}
	s := &Synchronizer{
		topic:    topic,
		polarity: make(map[int]data.Phase, len(valves)),
		pub:      pub,
		timers:   debounce.New[int](debounceDelay),
		logger:   slog.Default(),
		now:      time.Now,
		states:   make(map[int]data.ValveState, len(valves)),
		seq:      make(map[int]uint64, len(valves)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, vc := range valves {
		p, err := vc.Polarity()
		if err != nil {
			return nil, fmt.Errorf("valve %d: %w", vc.ID, err)
		}
		s.polarity[vc.ID] = p
		s.states[vc.ID] = data.ValveState{ID: vc.ID, Phase: data.PhaseUnknown, LastChangedAt: s.now()}
	}
	return s, nil
}

// HandleMessage consumes one feed message. Foreign topics, malformed payloads
// and unknown valve ids are dropped; nothing here returns an error to the feed.
func (s *Synchronizer) HandleMessage(topic string, payload []byte) {
	if topic != s.topic {
		s.count("foreign_topic")
		return
	}
	ev, err := data.ParseSwitch(payload)
	if err != nil {
		s.logger.Warn("dropping feed message", "topic", topic, "error", err)
		s.count("malformed")
		return
	}
	if !s.Apply(ev) {
		s.logger.Debug("ignoring unknown valve", "switch", ev.Switch)
		s.count("unknown_valve")
		return
	}
	s.count("accepted")
}

// Apply moves the valve to Pending (unless it already is) and arms its
// debounce timer with the target phase. A later event for the same valve
// before the timer fires replaces the target. After Close, events for known
// valves are accepted and dropped.
func (s *Synchronizer) Apply(ev data.SwitchEvent) bool {
	onPhase, ok := s.polarity[ev.Switch]
	if !ok {
		return false
	}
	target := onPhase
	if ev.State == data.SwitchOff {
		target = onPhase.Opposite()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("synchronizer closed, dropping event", "switch", ev.Switch)
		return true
	}

	if st := s.states[ev.Switch]; st.Phase != data.PhasePending {
		st.Phase = data.PhasePending
		st.LastChangedAt = s.now()
		s.states[ev.Switch] = st
		s.publishLocked(st)
	}
	s.seq[ev.Switch]++
	seq := s.seq[ev.Switch]
	s.timers.Arm(ev.Switch, func() { s.settle(ev.Switch, seq, target) })
	return true
}

func (s *Synchronizer) settle(id int, seq uint64, target data.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq[id] != seq {
		return
	}
	st := s.states[id]
	st.Phase = target
	st.LastChangedAt = s.now()
	s.states[id] = st
	s.publishLocked(st)
	s.logger.Info("valve settled", "valve", id, "phase", target.String())
}

// publishLocked keeps Pending and the settled phase in publish order.
// Publish must not block.
func (s *Synchronizer) publishLocked(st data.ValveState) {
	if s.metrics != nil {
		s.metrics.ValveTransitions.WithLabelValues(strconv.Itoa(st.ID), st.Phase.String()).Inc()
	}
	if s.pub != nil {
		s.pub.Publish(data.Message{Type: data.TypeValve, Payload: st})
	}
}

// State returns the current state of one valve.
func (s *Synchronizer) State(id int) (data.ValveState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// States returns all valve states ordered by id.
func (s *Synchronizer) States() []data.ValveState {
	s.mu.Lock()
	out := make([]data.ValveState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels all outstanding debounce timers.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.timers.Stop()
}

func (s *Synchronizer) count(outcome string) {
	if s.metrics != nil {
		s.metrics.FeedMessages.WithLabelValues(outcome).Inc()
	}
}
