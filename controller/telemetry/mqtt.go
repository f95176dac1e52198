package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig selects the broker. An empty Broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
	// PublishReadings also sends every sensor reading, not only sweep reports.
	PublishReadings bool `yaml:"publish_readings"`
}

// Publisher sends chamber events to an external sink.
type Publisher interface {
	Publish(topic string, v interface{}) error
	Close()
}

// NoopPublisher drops everything. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(string, interface{}) error { return nil }
func (NoopPublisher) Close()                            {}

type mqttPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewPublisher connects to the configured broker, or returns a NoopPublisher
// when none is set.
func NewPublisher(c MQTTConfig) (Publisher, error) {
	if c.Broker == "" {
		return NoopPublisher{}, nil
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = "klimakammer"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", c.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", c.Broker, err)
	}
	log.Println("telemetry: connected to mqtt broker", c.Broker)
	return newMQTTPublisher(client, c.Prefix, c.QoS), nil
}

func newMQTTPublisher(client mqtt.Client, prefix string, qos byte) *mqttPublisher {
	if prefix == "" {
		prefix = "klimakammer"
	}
	return &mqttPublisher{client: client, prefix: prefix, qos: qos}
}

func (p *mqttPublisher) Publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.prefix+"/"+topic, p.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
