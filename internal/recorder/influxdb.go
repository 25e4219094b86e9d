package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/config"
	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/internal/sampler"
)

const (
	measurementSample = "sample"

	defaultPingTimeout    = 5 * time.Second
	millisecondsPerSecond = 1000
)

var ErrInfluxUnhealthy = errors.New("recorder: influxdb not healthy")

// PointWriter is the non-blocking write API. Implemented by api.WriteAPI.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxDB is a sampler.Sink writing one point per sample.
type InfluxDB struct {
	client influxdb2.Client
	writer PointWriter
}

// ConnectInfluxDB creates the client, verifies the server answers and starts logging
// asynchronous write errors.
func ConnectInfluxDB(ctx context.Context, cfg config.InfluxDBConfig) (*InfluxDB, error) {
	var batchSize, flushInterval uint = 100, 10
	if cfg.BatchSize > 0 {
		batchSize = uint(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		flushInterval = uint(cfg.FlushInterval)
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval*millisecondsPerSecond))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping influxdb: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnhealthy
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go logWriteErrors(writeAPI)

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("InfluxDB recorder connected")
	return &InfluxDB{client: client, writer: writeAPI}, nil
}

// NewInfluxDB wraps an existing writer.
func NewInfluxDB(writer PointWriter) *InfluxDB {
	return &InfluxDB{writer: writer}
}

func logWriteErrors(writeAPI api.WriteAPI) {
	for err := range writeAPI.Errors() {
		metrics.SinkErrorsTotal.WithLabelValues("influxdb").Inc()
		log.Err(err).Msg("InfluxDB write failed")
	}
}

func (i *InfluxDB) Name() string {
	return "influxdb"
}

// Write queues a point. Delivery errors are reported asynchronously.
func (i *InfluxDB) Write(_ context.Context, state sampler.State) error {
	sample, ok := newSample(state)
	if !ok {
		return nil
	}

	i.writer.WritePoint(newPoint(sample))
	return nil
}

// Close flushes pending points and closes the client.
func (i *InfluxDB) Close() {
	i.writer.Flush()
	if i.client != nil {
		i.client.Close()
	}
}

func newPoint(s Sample) *write.Point {
	tags := map[string]string{
		"entry_id": s.EntryID,
		"source":   s.SourceEntityID,
		"name":     s.Name,
	}
	if s.Unit != "" {
		tags["unit_of_measurement"] = s.Unit
	}
	if s.DeviceClass != "" {
		tags["device_class"] = s.DeviceClass
	}

	fields := map[string]interface{}{
		"available": s.Available,
	}
	if s.NumericValue != nil {
		fields["value"] = *s.NumericValue
	}
	if s.Value != nil {
		fields["state"] = *s.Value
	}

	return write.NewPoint(measurementSample, tags, fields, s.Timestamp)
}
