// internal/alerting/alerter.go
package alerting

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"waternet-gateway/internal/anomaly"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
	"waternet-gateway/internal/storage"
)

// Publisher receives every recorded fault.
type Publisher interface {
	Publish(msg data.Message)
}

// FaultStore is the slice of the persistence port the recorder needs.
type FaultStore interface {
	LoadFaults() ([]data.FaultRecord, error)
	SaveFaults(recs []data.FaultRecord) error
}

// Recorder classifies observations and appends the faulty ones to a bounded
// history. Repeated identical faults are recorded every time.
type Recorder struct {
	classifier *anomaly.Classifier
	history    *storage.FaultLog
	store      FaultStore
	pub        Publisher
	leadTime   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu  sync.Mutex // orders appends, sequence numbers and saves
	seq uint64
}

type Option func(*Recorder)

func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.pub = p }
}

func WithStore(s FaultStore) Option {
	return func(r *Recorder) { r.store = s }
}

// WithLeadTime sets the forecast horizon added to forecasted faults'
// ExpectedAt.
func WithLeadTime(d time.Duration) Option {
	return func(r *Recorder) { r.leadTime = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func NewRecorder(classifier *anomaly.Classifier, history *storage.FaultLog, opts ...Option) *Recorder {
	r := &Recorder{
		classifier: classifier,
		history:    history,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads the persisted history. Records beyond capacity are dropped
// oldest first, and sequence numbers continue after the highest restored one.
func (r *Recorder) Restore() error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadFaults()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.Restore(recs)
	for _, rec := range recs {
		if rec.Seq > r.seq {
			r.seq = rec.Seq
		}
	}
	r.logger.Info("fault history restored", "records", r.history.Len(), "seq", r.seq)
	return nil
}

// Observe classifies value and records a fault for Critical and Warning
// tiers. It reports whether a record was created.
func (r *Recorder) Observe(sensorID string, value float64, ts time.Time, isForecasted bool) (data.FaultRecord, bool) {
	tier := r.classifier.Classify(value)
	if !tier.IsFault() {
		return data.FaultRecord{}, false
	}

	r.mu.Lock()
	r.seq++
	rec := data.FaultRecord{
		ID:           uuid.NewString(),
		Seq:          r.seq,
		SensorID:     sensorID,
		Value:        value,
		Timestamp:    ts,
		Tier:         tier,
		IsForecasted: isForecasted,
	}
	if isForecasted {
		rec.ExpectedAt = ts.Add(r.leadTime)
	}
	if evicted := r.history.Add(rec); evicted > 0 {
		r.logger.Debug("fault history full, evicted oldest", "evicted", evicted)
	}
	if r.store != nil {
		if err := r.store.SaveFaults(r.history.GetAll()); err != nil {
			r.logger.Error("persist fault history", "error", err)
		}
	}
	r.mu.Unlock()

	r.logger.Warn("fault recorded",
		"sensor", sensorID,
		"value", value,
		"tier", tier.String(),
		"forecasted", isForecasted,
	)
	if r.metrics != nil {
		r.metrics.FaultsRecorded.WithLabelValues(sensorID, tier.String(), strconv.FormatBool(isForecasted)).Inc()
	}
	if r.pub != nil {
		r.pub.Publish(data.Message{Type: data.TypeFault, Payload: rec})
	}
	return rec, true
}

// History returns the recorded faults, oldest first.
func (r *Recorder) History() []data.FaultRecord {
	return r.history.GetAll()
}

