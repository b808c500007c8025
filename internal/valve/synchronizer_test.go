package valve

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
	"waternet-gateway/internal/websocket"
)

const (
	testTopic    = "switch/state"
	testDebounce = 20 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	msgs []data.ValveState
}

func (r *recorder) Publish(msg data.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Payload.(data.ValveState))
}

func (r *recorder) phases(id int) []data.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []data.Phase
	for _, st := range r.msgs {
		if st.ID == id {
			out = append(out, st.Phase)
		}
	}
	return out
}

func testValves() []config.ValveConfig {
	return []config.ValveConfig{
		{ID: 1, OnPhase: "closed"},
		{ID: 2, OnPhase: "open"},
		{ID: 3, OnPhase: "Closed "},
		{ID: 4, OnPhase: "closed"},
	}
}

func newSync(t *testing.T, pub Publisher, opts ...Option) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(testTopic, testValves(), testDebounce, pub, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestInitialStatesUnknown(t *testing.T) {
	s := newSync(t, &recorder{})
	states := s.States()
	require.Len(t, states, 4)
	for i, st := range states {
		assert.Equal(t, i+1, st.ID)
		assert.Equal(t, data.PhaseUnknown, st.Phase)
	}
}

func TestTransitionsGoThroughPending(t *testing.T) {
	tests := []struct {
		msg   string
		valve int
		want  data.Phase
	}{
		{"Switch 1: ON", 1, data.PhaseClosed},
		{"Switch 1: OFF", 1, data.PhaseOpen},
		{"Switch 2: ON", 2, data.PhaseOpen},
		{"Switch 2: OFF", 2, data.PhaseClosed},
		{"Switch 3: ON", 3, data.PhaseClosed},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			rec := &recorder{}
			s := newSync(t, rec)

			s.HandleMessage(testTopic, []byte(tt.msg))
			st, _ := s.State(tt.valve)
			assert.Equal(t, data.PhasePending, st.Phase)

			assert.Eventually(t, func() bool {
				st, _ := s.State(tt.valve)
				return st.Phase == tt.want
			}, time.Second, 2*time.Millisecond)
			assert.Equal(t, []data.Phase{data.PhasePending, tt.want}, rec.phases(tt.valve))
		})
	}
}

func TestSettledToSettledStillGoesThroughPending(t *testing.T) {
	rec := &recorder{}
	s := newSync(t, rec)

	s.HandleMessage(testTopic, []byte("Switch 1: ON"))
	assert.Eventually(t, func() bool { return len(rec.phases(1)) == 2 }, time.Second, 2*time.Millisecond)

	s.HandleMessage(testTopic, []byte("Switch 1: OFF"))
	assert.Eventually(t, func() bool { return len(rec.phases(1)) == 4 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, []data.Phase{
		data.PhasePending, data.PhaseClosed,
		data.PhasePending, data.PhaseOpen,
	}, rec.phases(1))
}

func TestLastWriteWins(t *testing.T) {
	rec := &recorder{}
	s := newSync(t, rec)

	s.HandleMessage(testTopic, []byte("Switch 2: ON"))
	s.HandleMessage(testTopic, []byte("Switch 2: OFF"))

	assert.Eventually(t, func() bool {
		st, _ := s.State(2)
		return st.Phase.Settled()
	}, time.Second, 2*time.Millisecond)
	time.Sleep(3 * testDebounce)

	// one Pending (the second was absorbed), one final state
	assert.Equal(t, []data.Phase{data.PhasePending, data.PhaseClosed}, rec.phases(2))
}

func TestValvesDebounceIndependently(t *testing.T) {
	rec := &recorder{}
	s := newSync(t, rec)

	s.HandleMessage(testTopic, []byte("Switch 1: ON"))
	s.HandleMessage(testTopic, []byte("Switch 4: OFF"))

	assert.Eventually(t, func() bool {
		a, _ := s.State(1)
		b, _ := s.State(4)
		return a.Phase == data.PhaseClosed && b.Phase == data.PhaseOpen
	}, time.Second, 2*time.Millisecond)
}

func TestDropsInvalidInput(t *testing.T) {
	m := metrics.New()
	rec := &recorder{}
	s := newSync(t, rec, WithMetrics(m))

	s.HandleMessage("other/topic", []byte("Switch 1: ON"))
	s.HandleMessage(testTopic, []byte("Switch one: ON"))
	s.HandleMessage(testTopic, []byte("Switch 9: ON"))
	s.HandleMessage(testTopic, []byte{0xff, 0xfe})

	time.Sleep(3 * testDebounce)
	rec.mu.Lock()
	assert.Empty(t, rec.msgs)
	rec.mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedMessages.WithLabelValues("foreign_topic")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FeedMessages.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedMessages.WithLabelValues("unknown_valve")))
	for _, st := range s.States() {
		assert.Equal(t, data.PhaseUnknown, st.Phase)
	}
}

func TestCloseCancelsPendingTransition(t *testing.T) {
	rec := &recorder{}
	s, err := NewSynchronizer(testTopic, testValves(), testDebounce, rec)
	require.NoError(t, err)

	s.HandleMessage(testTopic, []byte("Switch 1: ON"))
	s.Close()
	time.Sleep(3 * testDebounce)

	assert.Equal(t, []data.Phase{data.PhasePending}, rec.phases(1))
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	rec := &recorder{}
	s, err := NewSynchronizer(testTopic, testValves(), testDebounce, rec)
	require.NoError(t, err)
	s.Close()

	assert.True(t, s.Apply(data.SwitchEvent{Switch: 2, State: data.SwitchOn}))
	time.Sleep(3 * testDebounce)

	assert.Empty(t, rec.phases(2))
	st, ok := s.State(2)
	require.True(t, ok)
	assert.Equal(t, data.PhaseUnknown, st.Phase)
}

func TestNewSynchronizerRequiresPolarity(t *testing.T) {
	_, err := NewSynchronizer(testTopic, []config.ValveConfig{{ID: 1}}, testDebounce, nil)
	assert.Error(t, err)

	_, err = NewSynchronizer(testTopic, nil, testDebounce, nil)
	assert.Error(t, err)
}

// Feed message to subscriber, through the real hub.
func TestFeedToSubscriberEndToEnd(t *testing.T) {
	hub := websocket.NewHub()
	s := newSync(t, hub)
	sub := hub.Subscribe()
	defer sub.Close()

	next := func() data.Message {
		select {
		case msg := <-sub.C():
			return msg
		case <-time.After(time.Second):
			t.Fatal("no message")
		}
		return data.Message{}
	}

	require.Equal(t, data.TypeSnapshot, next().Type)

	s.HandleMessage(testTopic, []byte("Switch 2: ON"))

	pending := next()
	require.Equal(t, data.TypeValve, pending.Type)
	assert.Equal(t, data.ValveState{ID: 2, Phase: data.PhasePending}, withoutTime(pending.Payload))

	final := next()
	require.Equal(t, data.TypeValve, final.Type)
	// valve 2 is wired so that ON reports open
	assert.Equal(t, data.ValveState{ID: 2, Phase: data.PhaseOpen}, withoutTime(final.Payload))

	assert.Equal(t, data.PhaseOpen, hub.Snapshot().Valves[2].Phase)
}

func withoutTime(p interface{}) data.ValveState {
	st := p.(data.ValveState)
	st.LastChangedAt = time.Time{}
	return st
}
