package mqtt

import (
	"fmt"

	"github.com/jkaflik/hass-sampler/internal/metrics"
)

// Maximum payload size accepted by Publish.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic. kind labels the publish metric.
func (c *Client) Publish(kind, topic string, payload []byte, qos byte, retained bool) error {
	err := c.publish(topic, payload, qos, retained)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.MQTTPublishTotal.WithLabelValues(kind, status).Inc()

	return err
}

// PublishRetained publishes a retained message with the configured QoS.
func (c *Client) PublishRetained(kind, topic string, payload []byte) error {
	return c.Publish(kind, topic, payload, byte(c.cfg.QoS), true)
}

func (c *Client) publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}
