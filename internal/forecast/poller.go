// internal/forecast/poller.go
package forecast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"waternet-gateway/internal/anomaly"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/metrics"
)

// Fetcher is satisfied by *Client.
type Fetcher interface {
	Fetch(ctx context.Context) (Result, error)
}

type FaultObserver interface {
	Observe(sensorID string, value float64, ts time.Time, isForecasted bool) (data.FaultRecord, bool)
}

type Publisher interface {
	Publish(msg data.Message)
}

// Poller pulls forecasts on a fixed interval, publishes them and feeds the
// latest value per sensor to the fault recorder as a forecasted observation.
type Poller struct {
	fetcher    Fetcher
	classifier *anomaly.Classifier
	faults     FaultObserver
	pub        Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type PollerOption func(*Poller)

func WithFaultObserver(f FaultObserver) PollerOption {
	return func(p *Poller) { p.faults = f }
}

func WithPublisher(pub Publisher) PollerOption {
	return func(p *Poller) { p.pub = pub }
}

func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func NewPoller(fetcher Fetcher, classifier *anomaly.Classifier, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:    fetcher,
		classifier: classifier,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches once. Failures are returned for logging and never affect
// previously published forecasts.
func (p *Poller) Poll(ctx context.Context) error {
	res, err := p.fetcher.Fetch(ctx)
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "open"
		}
		p.count(status)
		return err
	}
	p.count("ok")

	if p.pub != nil {
		p.pub.Publish(data.Message{
			Type:    data.TypeForecast,
			Payload: data.ForecastStatus{Status: res.Status, Batches: res.Batches, AsOf: res.AsOf},
		})
	}
	for _, s := range res.Samples {
		s.Tier = p.classifier.Classify(s.Value)
		if p.pub != nil {
			p.pub.Publish(data.Message{Type: data.TypeForecast, Payload: s})
		}
		if p.faults != nil {
			p.faults.Observe(s.SensorID, s.Value, s.AsOf, true)
		}
	}
	p.logger.Debug("forecast polled", "status", res.Status, "samples", len(res.Samples))
	return nil
}

func (p *Poller) count(status string) {
	if p.metrics != nil {
		p.metrics.ForecastPolls.WithLabelValues(status).Inc()
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if err := p.Poll(ctx); err != nil {
		p.logger.Warn("forecast poll failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Warn("forecast poll failed", "error", err)
			}
		}
	}
}
