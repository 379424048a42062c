package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/labduino/internal/logging"
)

// PublishJSON marshals v and waits for the publish to complete.
func PublishJSON(client MQTT.Client, topic string, qos byte, retain bool, v any, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := client.Publish(topic, qos, retain, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout after %v", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	logging.Debug("published", "topic", topic, "bytes", len(data))
	return nil
}
