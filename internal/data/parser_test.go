package data

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSwitch(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SwitchEvent
		wantErr bool
	}{
		{"on", "Switch 2: ON", SwitchEvent{Switch: 2, State: SwitchOn}, false},
		{"off", "Switch 4: OFF", SwitchEvent{Switch: 4, State: SwitchOff}, false},
		{"trailing newline", "Switch 1: ON\n", SwitchEvent{Switch: 1, State: SwitchOn}, false},
		{"multi digit", "Switch 12: OFF", SwitchEvent{Switch: 12, State: SwitchOff}, false},
		{"zero", "Switch 0: ON", SwitchEvent{}, true},
		{"lowercase state", "Switch 1: on", SwitchEvent{}, true},
		{"missing colon", "Switch 1 ON", SwitchEvent{}, true},
		{"garbage", "hello", SwitchEvent{}, true},
		{"suffix", "Switch 1: ONX", SwitchEvent{}, true},
		{"empty", "", SwitchEvent{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSwitch([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedMessage))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePhaseNormalizesWhitespace(t *testing.T) {
	for _, s := range []string{"Open", "open", "Open  ", "  OPEN"} {
		p, err := ParsePhase(s)
		require.NoError(t, err, s)
		assert.Equal(t, PhaseOpen, p, s)
	}

	p, err := ParsePhase("Closed")
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, p)
	assert.Equal(t, PhaseOpen, p.Opposite())

	_, err = ParsePhase("ajar")
	assert.Error(t, err)
}

func TestPhaseAndTierJSON(t *testing.T) {
	b, err := json.Marshal(ValveState{ID: 1, Phase: PhasePending})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"phase":"pending"`)

	var v ValveState
	require.NoError(t, json.Unmarshal(b, &v))
	assert.Equal(t, PhasePending, v.Phase)

	var tier Tier
	require.NoError(t, json.Unmarshal([]byte(`"warning"`), &tier))
	assert.Equal(t, TierWarning, tier)
	assert.True(t, tier.IsFault())
	assert.False(t, TierNormal.IsFault())
}

func TestSensorWindowNewest(t *testing.T) {
	var w *SensorWindow
	assert.Equal(t, 0, w.Len())
	_, ok := w.Newest()
	assert.False(t, ok)
}
