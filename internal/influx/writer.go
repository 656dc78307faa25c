// Package influx maps measurement points onto the InfluxDB v2 write API.
package influx

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/metrics"
	"github.com/austinmesh/bridger/internal/point"
)

const (
	// DefaultBucket holds mesh-derived measurements.
	DefaultBucket = "meshtastic"
	// AnnotationBucket holds operator annotations, kept apart from radio
	// data so retention can differ.
	AnnotationBucket = "annotations"
)

// Writer resolves each point's schema and writes it through the blocking
// API. Credential failures are logged once and swallowed so a bad token
// does not flood the log at packet rate.
type Writer struct {
	points           api.WriteAPIBlocking
	annotations      api.WriteAPIBlocking
	bucket           string
	annotationBucket string
	log              *zap.Logger

	authFailed atomic.Bool
}

type Option func(*writerConfig)

type writerConfig struct {
	bucket           string
	annotationBucket string
}

func WithBucket(name string) Option {
	return func(c *writerConfig) { c.bucket = name }
}

func WithAnnotationBucket(name string) Option {
	return func(c *writerConfig) { c.annotationBucket = name }
}

func NewWriter(client influxdb2.Client, org string, log *zap.Logger, opts ...Option) *Writer {
	cfg := writerConfig{bucket: DefaultBucket, annotationBucket: AnnotationBucket}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Writer{
		points:           client.WriteAPIBlocking(org, cfg.bucket),
		annotations:      client.WriteAPIBlocking(org, cfg.annotationBucket),
		bucket:           cfg.bucket,
		annotationBucket: cfg.annotationBucket,
		log:              log,
	}
}

// WritePoints writes mesh measurement points to the main bucket.
func (w *Writer) WritePoints(ctx context.Context, points ...point.Point) error {
	return w.write(ctx, w.points, w.bucket, points)
}

// WriteAnnotation writes an operator annotation to the annotation bucket.
// An annotation's lifetime opens at start_time, defaulting to now.
func (w *Writer) WriteAnnotation(ctx context.Context, a point.AnnotationPoint) error {
	if a.StartTime == nil {
		now := time.Now().Unix()
		a.StartTime = &now
	}
	if err := a.Validate(); err != nil {
		return err
	}
	return w.write(ctx, w.annotations, w.annotationBucket, []point.Point{a})
}

func (w *Writer) write(ctx context.Context, api api.WriteAPIBlocking, bucket string, points []point.Point) error {
	if len(points) == 0 {
		return nil
	}
	records := make([]*write.Point, 0, len(points))
	for _, p := range points {
		records = append(records, toRecord(p))
	}

	start := time.Now()
	err := api.WritePoint(ctx, records...)
	metrics.InfluxWriteDuration.WithLabelValues(bucket).Observe(time.Since(start).Seconds())
	if err != nil {
		var httpErr *ihttp.Error
		if errors.As(err, &httpErr) && httpErr.StatusCode == 401 {
			if w.authFailed.CompareAndSwap(false, true) {
				w.log.Error("influxdb credentials are not set or incorrect", zap.Error(err))
			}
			return nil
		}
		w.log.Error("influxdb write failed",
			zap.String("measurement", points[0].Measurement()),
			zap.Int("points", len(points)),
			zap.Error(err))
		return err
	}

	for _, p := range points {
		metrics.InfluxPointsWrittenTotal.WithLabelValues(p.Measurement()).Inc()
	}
	w.log.Info("wrote points",
		zap.String("measurement", points[0].Measurement()),
		zap.Int("points", len(points)))
	return nil
}

// toRecord converts a typed point to a line-protocol record. The schema
// reflection in the point package already omits nil fields and empty tag
// values; no timestamp is set so the server assigns one at the configured
// precision.
func toRecord(p point.Point) *write.Point {
	rec := write.NewPointWithMeasurement(point.SchemaOf(p).Measurement)
	for k, v := range point.Tags(p) {
		rec.AddTag(k, v)
	}
	for k, v := range point.Fields(p) {
		rec.AddField(k, v)
	}
	return rec
}
