// internal/data/models.go
package data

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is the debounced state of a valve.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhasePending
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Opposite returns the other settled phase. Unknown and Pending have no opposite.
func (p Phase) Opposite() Phase {
	switch p {
	case PhaseOpen:
		return PhaseClosed
	case PhaseClosed:
		return PhaseOpen
	default:
		return p
	}
}

// Settled reports whether p is Open or Closed.
func (p Phase) Settled() bool {
	return p == PhaseOpen || p == PhaseClosed
}

// ParsePhase normalizes case and surrounding whitespace, so "Open  " and
// "open" name the same phase.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return PhaseOpen, nil
	case "closed", "close":
		return PhaseClosed, nil
	case "pending":
		return PhasePending, nil
	case "unknown", "":
		return PhaseUnknown, nil
	}
	return PhaseUnknown, fmt.Errorf("unknown valve phase %q", s)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// SwitchState is the raw actuator word carried by the feed.
type SwitchState string

const (
	SwitchOn  SwitchState = "ON"
	SwitchOff SwitchState = "OFF"
)

// ValveState - debounced state of one valve
type ValveState struct {
	ID            int       `json:"id"`
	Phase         Phase     `json:"phase"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

// Reading - a single pressure sample from the time-series store
type Reading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorWindow is the bounded batch of readings last fetched for a sensor.
// Readings are ordered newest first. A window is never mutated after it has
// been handed out; refreshes replace it.
type SensorWindow struct {
	SensorID  string    `json:"sensor_id"`
	Readings  []Reading `json:"readings"`
	FetchedAt time.Time `json:"fetched_at"`
	Version   uint64    `json:"version"`
}

// Len is nil-safe.
func (w *SensorWindow) Len() int {
	if w == nil {
		return 0
	}
	return len(w.Readings)
}

// Newest returns the most recent reading, if any.
func (w *SensorWindow) Newest() (Reading, bool) {
	if w.Len() == 0 {
		return Reading{}, false
	}
	return w.Readings[0], true
}

// CursorState is the persisted playback position for one sensor. Anchor and
// Length identify the window the index belongs to.
type CursorState struct {
	Index     int       `json:"index"`
	Anchor    time.Time `json:"anchor"`
	Length    int       `json:"length"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tier - ordered severity classification of a reading
type Tier int

const (
	TierUnavailable Tier = iota
	TierCritical
	TierWarning
	TierNormal
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierWarning:
		return "warning"
	case TierNormal:
		return "normal"
	default:
		return "unavailable"
	}
}

// IsFault reports whether readings in this tier are recorded as faults.
func (t Tier) IsFault() bool {
	return t == TierCritical || t == TierWarning
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		*t = TierCritical
	case "warning":
		*t = TierWarning
	case "normal":
		*t = TierNormal
	case "unavailable", "":
		*t = TierUnavailable
	default:
		return fmt.Errorf("unknown tier %q", s)
	}
	return nil
}

// SensorReadout is the value currently displayed for a sensor. A nil Value
// means the sensor is unavailable, either because there is no data or
// because the data is stale.
type SensorReadout struct {
	SensorID  string    `json:"sensor_id"`
	Value     *float64  `json:"value"`
	Tier      Tier      `json:"tier"`
	Index     int       `json:"index"`
	Count     int       `json:"count"`
	Stale     bool      `json:"stale"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	TickAt    time.Time `json:"tick_at"`
}

// Available reports whether the readout carries a value.
func (r SensorReadout) Available() bool {
	return r.Value != nil
}

// FaultRecord - a reading that crossed below the warning threshold
type FaultRecord struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"`
	SensorID     string    `json:"sensor_id"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	ExpectedAt   time.Time `json:"expected_at,omitempty"`
	Tier         Tier      `json:"tier"`
	IsForecasted bool      `json:"is_forecasted"`
}

// ForecastSample is the latest predicted value for a sensor. ExpectedAt is
// AsOf shifted by the forecast horizon and is used for display only.
type ForecastSample struct {
	SensorID   string    `json:"sensor_id"`
	Value      float64   `json:"value"`
	AsOf       time.Time `json:"as_of"`
	ExpectedAt time.Time `json:"expected_at"`
	Tier       Tier      `json:"tier"`
}

// ForecastStatus reports whether the forecast service has produced values yet
// ("ready") or is still accumulating input ("collecting").
type ForecastStatus struct {
	Status  string         `json:"status"`
	Batches map[string]int `json:"batch_status,omitempty"`
	AsOf    time.Time      `json:"as_of"`
}

// WindowInfo summarizes a window refresh for subscribers.
type WindowInfo struct {
	SensorID  string    `json:"sensor_id"`
	Count     int       `json:"count"`
	FetchedAt time.Time `json:"fetched_at"`
	Newest    time.Time `json:"newest,omitempty"`
	Version   uint64    `json:"version"`
}

// Metadata accompanies snapshots.
type Metadata struct {
	LastRefresh map[string]time.Time `json:"last_refresh"`
	Counts      map[string]int       `json:"counts"`
	DataWindow  string               `json:"data_window,omitempty"`
	Forecast    string               `json:"forecast_status,omitempty"`

	// Classification limits and history bound in effect.
	Thresholds    *ThresholdInfo `json:"thresholds,omitempty"`
	FaultCapacity int            `json:"fault_capacity,omitempty"`
}

// ThresholdInfo reports the pressure limits readings are classified against.
type ThresholdInfo struct {
	Critical float64 `json:"critical"`
	Warning  float64 `json:"warning"`
}

// Snapshot is the full observable state of the gateway.
type Snapshot struct {
	Valves      map[int]ValveState        `json:"valves"`
	Sensors     map[string]SensorReadout  `json:"sensors"`
	Forecasts   map[string]ForecastSample `json:"forecasts"`
	Faults      []FaultRecord             `json:"faults"`
	Metadata    Metadata                  `json:"metadata"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// Message types carried by the broadcast hub.
const (
	TypeSnapshot = "snapshot"
	TypeValve    = "valve-update"
	TypeSensor   = "sensor-update"
	TypeWindow   = "window-update"
	TypeForecast = "forecast-update"
	TypeFault    = "fault"
)

// Message - envelope for everything pushed to subscribers
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
