package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sampler metrics
	SamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hass_sampler_samples_total",
		Help: "The total number of samples taken, by result (available, unavailable)",
	}, []string{"result"})

	SensorsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hass_sampler_sensors_running",
		Help: "Number of sampler sensors currently running",
	})

	SensorAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hass_sampler_sensor_available",
		Help: "Availability of a sampler sensor (1=available, 0=unavailable)",
	}, []string{"entry_id"})

	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hass_sampler_sink_errors_total",
		Help: "The total number of failed writes to a sample sink",
	}, []string{"sink"})

	// Home Assistant client metrics
	HassConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hass_sampler_hass_connection_status",
		Help: "Status of the Home Assistant connection (1=connected, 0=disconnected)",
	})

	HassReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hass_sampler_hass_reconnect_total",
		Help: "Total number of reconnection attempts to Home Assistant",
	})

	// MQTT metrics
	MQTTPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hass_sampler_mqtt_publish_total",
		Help: "The total number of MQTT publishes by kind and status",
	}, []string{"kind", "status"})

	// ClickHouse recorder metrics
	CHBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hass_sampler_clickhouse_batch_size",
		Help:    "Histogram of sample batch sizes written to ClickHouse",
		Buckets: prometheus.LinearBuckets(10, 100, 10), // 10, 110, 210, ... 910
	})

	CHDroppedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hass_sampler_clickhouse_dropped_samples_total",
		Help: "Samples dropped because the ClickHouse recorder queue was full",
	})

	CHQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hass_sampler_clickhouse_query_duration_seconds",
		Help:    "Duration of ClickHouse queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query_type"})

	CHRetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hass_sampler_clickhouse_retry_attempts_total",
		Help: "Total number of retry attempts for ClickHouse operations",
	})

	CHRetrySuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hass_sampler_clickhouse_retry_success_total",
		Help: "Total number of successful retries for ClickHouse operations",
	})
)
