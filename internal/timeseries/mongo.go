// internal/timeseries/mongo.go
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"waternet-gateway/internal/config"
	"waternet-gateway/internal/data"
	"waternet-gateway/internal/telemetry"
)

var _ telemetry.Source = (*MongoSource)(nil)

// document is one stored sample batch. psi_values is either a number or an
// array of numbers depending on the writer.
type document struct {
	Timestamp interface{} `bson:"timestamp"`
	PSIValues interface{} `bson:"psi_values"`
}

// MongoSource reads sensor windows from one collection per sensor.
type MongoSource struct {
	client      *mongo.Client
	db          *mongo.Database
	collections map[string]string
	logger      *slog.Logger
}

// Connect builds a client for cfg.URI. The driver dials lazily, so an
// unreachable server only surfaces on the first query or Ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout).SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client, nil
}

func NewMongoSource(client *mongo.Client, database string, sensors []config.SensorConfig, logger *slog.Logger) *MongoSource {
	if logger == nil {
		logger = slog.Default()
	}
	cols := make(map[string]string, len(sensors))
	for _, s := range sensors {
		name := s.Collection
		if name == "" {
			name = s.ID
		}
		cols[s.ID] = name
	}
	return &MongoSource{
		client:      client,
		db:          client.Database(database),
		collections: cols,
		logger:      logger,
	}
}

// Query returns readings with timestamp >= since, newest first. Documents
// holding several values contribute one reading per value, all carrying the
// document timestamp.
func (m *MongoSource) Query(ctx context.Context, sensorID string, since time.Time, limit int) ([]data.Reading, error) {
	name, ok := m.collections[sensorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", telemetry.ErrUnknownSensor, sensorID)
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{"timestamp": bson.M{"$gte": since}}

	cur, err := m.db.Collection(name).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", name, err)
	}
	defer cur.Close(ctx)

	var readings []data.Reading
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			m.logger.Warn("skipping undecodable document", "collection", name, "error", err)
			continue
		}
		ts, err := toTime(doc.Timestamp)
		if err != nil {
			m.logger.Warn("skipping document with bad timestamp", "collection", name, "error", err)
			continue
		}
		for _, v := range flatten(doc.PSIValues) {
			readings = append(readings, data.Reading{Value: v, Timestamp: ts})
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	if limit > 0 && len(readings) > limit {
		readings = readings[:limit]
	}
	return readings, nil
}

// Ping checks the server is reachable.
func (m *MongoSource) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoSource) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// flatten turns a psi_values field into finite numbers, dropping anything
// that does not parse.
func flatten(v interface{}) []float64 {
	switch t := v.(type) {
	case primitive.A:
		return flattenSlice([]interface{}(t))
	case []interface{}:
		return flattenSlice(t)
	default:
		if f, ok := toFloat(t); ok {
			return []float64{f}
		}
		return nil
	}
}

func flattenSlice(items []interface{}) []float64 {
	out := make([]float64, 0, len(items))
	for _, item := range items {
		out = append(out, flatten(item)...)
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case primitive.Decimal128:
		parsed, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC(), nil
	case time.Time:
		return t.UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	case nil:
		return time.Time{}, errors.New("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
