package forecast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waternet-gateway/internal/alerting"
	"waternet-gateway/internal/anomaly"
	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/storage"
)

var sensors = []config.SensorConfig{
	{ID: "actualsensor1", ForecastKey: "sensor1"},
	{ID: "actualsensor2", ForecastKey: "sensor2"},
	{ID: "actualsensor3", ForecastKey: "sensor3"},
}

func forecastCfg(url string) config.ForecastConfig {
	return config.ForecastConfig{
		Enabled:      true,
		URL:          url,
		LeadTime:     30 * time.Minute,
		Timeout:      time.Second,
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/forecast-data", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDecodesForecastShapes(t *testing.T) {
	srv := serve(t, `{
		"status": "ready",
		"forecasts": {"sensor1": 6.25, "sensor2": [3.5, 3.9], "sensor3": null, "sensor9": 1.0},
		"batch_status": {"sensor1": 15, "sensor3": 7},
		"timestamp": 1717228800.5
	}`)
	c := NewClient(forecastCfg(srv.URL+"/"), sensors)

	res, err := c.Fetch(context.Background())
	require.NoError(t, err)

	asOf := time.Unix(1717228800, int64(500*time.Millisecond)).UTC()
	assert.Equal(t, "ready", res.Status)
	assert.Equal(t, asOf, res.AsOf)
	assert.Equal(t, map[string]int{"actualsensor1": 15, "actualsensor3": 7}, res.Batches)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, data.ForecastSample{
		SensorID: "actualsensor1", Value: 6.25, AsOf: asOf, ExpectedAt: asOf.Add(30 * time.Minute),
	}, res.Samples[0])
	assert.Equal(t, "actualsensor2", res.Samples[1].SensorID)
	assert.Equal(t, 3.9, res.Samples[1].Value)
}

func TestLatestForecast(t *testing.T) {
	srv := serve(t, `{"status":"collecting","forecasts":{"sensor1":null,"sensor2":[5.0]},"timestamp":1717228800}`)
	c := NewClient(forecastCfg(srv.URL), sensors)

	_, ok, err := c.LatestForecast(context.Background(), "actualsensor1")
	require.NoError(t, err)
	assert.False(t, ok)

	s, ok, err := c.LatestForecast(context.Background(), "actualsensor2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Value)
}

func TestFetchMissingTimestampUsesClock(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	srv := serve(t, `{"status":"ready","forecasts":{"sensor1":2}}`)
	c := NewClient(forecastCfg(srv.URL), sensors, WithClock(func() time.Time { return now }))

	res, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, res.AsOf)
}

func TestFetchBadBody(t *testing.T) {
	srv := serve(t, `not json`)
	c := NewClient(forecastCfg(srv.URL), sensors)
	_, err := c.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrBadResponse))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewClient(forecastCfg(srv.URL), sensors)

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.Fetch(context.Background())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load())
}

type capture struct {
	mu   sync.Mutex
	msgs []data.Message
}

func (c *capture) Publish(msg data.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

type stubFetcher struct {
	res Result
	err error
}

func (s stubFetcher) Fetch(context.Context) (Result, error) { return s.res, s.err }

func TestPollRecordsForecastedFaults(t *testing.T) {
	classifier, err := anomaly.NewClassifier(config.Thresholds{Critical: 4, Warning: 7})
	require.NoError(t, err)
	rec := alerting.NewRecorder(classifier, storage.NewFaultLog(50), alerting.WithLeadTime(30*time.Minute))
	pub := &capture{}

	asOf := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	p := NewPoller(stubFetcher{res: Result{
		Status: "ready",
		AsOf:   asOf,
		Samples: []data.ForecastSample{
			{SensorID: "actualsensor1", Value: 3.2, AsOf: asOf},
			{SensorID: "actualsensor2", Value: 8.0, AsOf: asOf},
		},
	}}, classifier, WithFaultObserver(rec), WithPublisher(pub))

	require.NoError(t, p.Poll(context.Background()))

	hist := rec.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "actualsensor1", hist[0].SensorID)
	assert.True(t, hist[0].IsForecasted)
	assert.Equal(t, data.TierCritical, hist[0].Tier)
	assert.Equal(t, asOf.Add(30*time.Minute), hist[0].ExpectedAt)

	var samples []data.ForecastSample
	var status []data.ForecastStatus
	for _, m := range pub.msgs {
		switch p := m.Payload.(type) {
		case data.ForecastSample:
			assert.Equal(t, data.TypeForecast, m.Type)
			samples = append(samples, p)
		case data.ForecastStatus:
			status = append(status, p)
		}
	}
	require.Len(t, status, 1)
	assert.Equal(t, "ready", status[0].Status)
	require.Len(t, samples, 2)
	assert.Equal(t, data.TierCritical, samples[0].Tier)
	assert.Equal(t, data.TierNormal, samples[1].Tier)
}

func TestPollFailurePublishesNothing(t *testing.T) {
	classifier, err := anomaly.NewClassifier(config.Thresholds{Critical: 4, Warning: 7})
	require.NoError(t, err)
	pub := &capture{}
	p := NewPoller(stubFetcher{err: ErrUnavailable}, classifier, WithPublisher(pub))

	assert.Error(t, p.Poll(context.Background()))
	assert.Empty(t, pub.msgs)
}
