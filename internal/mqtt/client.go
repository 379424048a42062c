package mqtt

// cSpell:ignore mqtt
import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connect dials brokerURL and waits up to timeout for the CONNACK.
func Connect(brokerURL, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", brokerURL, timeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}
	return c, nil
}
