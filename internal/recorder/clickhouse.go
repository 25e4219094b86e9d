package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/internal/sampler"
	"github.com/jkaflik/hass-sampler/pkg/channel"
	"github.com/jkaflik/hass-sampler/pkg/clickhouse/format"
)

const (
	createDatabaseDDL = `CREATE DATABASE IF NOT EXISTS %s`

	createSamplesDDL = `
CREATE TABLE IF NOT EXISTS %s.%s (
    timestamp DateTime64(3, 'UTC'),
    entry_id LowCardinality(String),
    name LowCardinality(String),
    source_entity_id LowCardinality(String),
    available Bool,
    value Nullable(String),
    numeric_value Nullable(Float64),
    unit_of_measurement LowCardinality(String),
    device_class LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(timestamp)
ORDER BY (entry_id, timestamp)
SETTINGS index_granularity = 8192;`

	insertSamples = `INSERT INTO %s.%s FORMAT JSONEachRow`

	flushTimeout = 30 * time.Second
)

// ErrRecorderClosed is returned by Write after the recorder stopped.
var ErrRecorderClosed = errors.New("recorder: closed")

// Executor runs ClickHouse queries. Implemented by *clickhouse.Client.
type Executor interface {
	Execute(ctx context.Context, query string, body io.Reader) error
}

type ClickHouseConfig struct {
	Database  string
	Table     string
	BatchSize int
	BatchWait time.Duration
	// QueueSize bounds the number of samples waiting for a batch.
	QueueSize int
}

// ClickHouse is a sampler.Sink batching samples into ClickHouse inserts.
type ClickHouse struct {
	client Executor
	cfg    ClickHouseConfig

	mtx    sync.RWMutex
	closed bool
	queue  chan Sample
}

func NewClickHouse(client Executor, cfg ClickHouseConfig) *ClickHouse {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	return &ClickHouse{
		client: client,
		cfg:    cfg,
		queue:  make(chan Sample, cfg.QueueSize),
	}
}

func (c *ClickHouse) Name() string {
	return "clickhouse"
}

// Write queues a sample. A full queue drops the sample.
func (c *ClickHouse) Write(_ context.Context, state sampler.State) error {
	sample, ok := newSample(state)
	if !ok {
		return nil
	}

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if c.closed {
		return ErrRecorderClosed
	}

	select {
	case c.queue <- sample:
		return nil
	default:
		metrics.CHDroppedSamples.Inc()
		return fmt.Errorf("clickhouse queue full, dropped sample of %s", state.EntryID)
	}
}

// CreateSchema creates the database and samples table.
func (c *ClickHouse) CreateSchema(ctx context.Context) error {
	if err := c.client.Execute(ctx, fmt.Sprintf(createDatabaseDDL, c.cfg.Database), nil); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	if err := c.client.Execute(ctx, fmt.Sprintf(createSamplesDDL, c.cfg.Database, c.cfg.Table), nil); err != nil {
		return fmt.Errorf("failed to create samples table: %w", err)
	}
	return nil
}

// Run creates the schema and inserts batches until ctx is done. Pending samples are
// flushed before Run returns.
func (c *ClickHouse) Run(ctx context.Context) error {
	if err := c.CreateSchema(ctx); err != nil {
		return err
	}

	batches, errc := channel.Batch(c.queue, channel.BatchOptions[Sample]{
		MaxSize: c.cfg.BatchSize,
		MaxWait: c.cfg.BatchWait,
	})

	go func() {
		<-ctx.Done()

		c.mtx.Lock()
		c.closed = true
		close(c.queue)
		c.mtx.Unlock()
	}()

	log.Info().Str("database", c.cfg.Database).Str("table", c.cfg.Table).Msg("ClickHouse recorder started")

	for {
		select {
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			log.Err(err).Msg("Failed to batch sample")
		case batch, ok := <-batches:
			if !ok {
				return nil
			}

			insertCtx, cancel := insertContext(ctx)
			if err := c.insert(insertCtx, batch); err != nil {
				log.Err(err).Int("samples", len(batch)).Msg("Failed to insert samples into ClickHouse")
			}
			cancel()
		}
	}
}

// insertContext returns ctx, or a context with flushTimeout once ctx is done so that
// the final flush still reaches ClickHouse.
func insertContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), flushTimeout)
}

func (c *ClickHouse) insert(ctx context.Context, batch []Sample) error {
	metrics.CHBatchSize.Observe(float64(len(batch)))

	query := fmt.Sprintf(insertSamples, c.cfg.Database, c.cfg.Table)
	return c.client.Execute(ctx, query, format.NewJSONEachRowReader(batch))
}
