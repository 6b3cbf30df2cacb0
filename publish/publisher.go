// Package publish fans shift targets out to an HMI over MQTT.
//
// Each vehicle gets its own topic (<topic>/<vehicle id>). Messages are JSON
// and are rate limited per vehicle, except that a change of the shift-now
// signal or of either target is sent immediately.
package publish

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config controls the MQTT publisher.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	Port          int    `yaml:"port"`
	Topic         string `yaml:"topic"`
	ClientID      string `yaml:"client_id"`
	QoS           int    `yaml:"qos"`
	Retain        bool   `yaml:"retain"`
	MinIntervalMS int    `yaml:"min_interval_ms"` // per-vehicle floor between unchanged messages
}

// DefaultConfig returns a disabled publisher pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:        "localhost",
		Port:          1883,
		Topic:         "shiftecu/targets",
		ClientID:      "shiftecu",
		MinIntervalMS: 100,
	}
}

// Normalize repairs invalid values in place.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.Broker = strings.TrimSpace(c.Broker)
	if c.Broker == "" {
		c.Broker = def.Broker
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	c.Topic = strings.TrimRight(strings.TrimSpace(c.Topic), "/")
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = def.ClientID
	}
	if c.QoS < 0 || c.QoS > 2 {
		c.QoS = 0
	}
	if c.MinIntervalMS < 0 {
		c.MinIntervalMS = def.MinIntervalMS
	}
}

// Message is the wire form of one shift-target update.
type Message struct {
	VehicleID int     `json:"vehicle_id"`
	Gear      int     `json:"gear"`
	RPM       float64 `json:"rpm"`
	Up        float64 `json:"up"`   // 0 when no target
	Down      float64 `json:"down"` // 0 when no target
	ShiftNow  bool    `json:"shift_now"`
	Coverage  float64 `json:"coverage"`
	TS        int64   `json:"ts"` // unix milliseconds
}

type lastSent struct {
	at       time.Time
	gear     int
	up       float64
	down     float64
	shiftNow bool
}

// Publisher sends Messages to the broker.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	send   func(topic string, payload []byte) error

	mu   sync.Mutex
	last map[int]lastSent
	sent int64
}

// NewPublisher builds a publisher; Connect must be called before Publish
// has any effect.
func NewPublisher(cfg Config) *Publisher {
	cfg.Normalize()
	return &Publisher{cfg: cfg, last: make(map[int]lastSent)}
}

// Connect dials the broker with auto-reconnect enabled.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", p.cfg.ClientID, time.Now().Unix()))
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Publisher: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Publisher: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	log.Printf("Publisher: connecting to MQTT broker at %s...", brokerURL)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publisher: connect %s: %w", brokerURL, token.Error())
	}
	p.client = client
	p.send = p.mqttSend
	return nil
}

func (p *Publisher) mqttSend(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("not connected")
	}
	token := p.client.Publish(topic, byte(p.cfg.QoS), p.cfg.Retain, payload)
	if p.cfg.QoS == 0 {
		// QoS 0 completes once written to the connection.
		token.Wait()
		return token.Error()
	}
	return nil
}

// Topic returns the topic messages for vehicleID are sent on.
func (p *Publisher) Topic(vehicleID int) string {
	return fmt.Sprintf("%s/%d", p.cfg.Topic, vehicleID)
}

// Publish sends m unless it is an unchanged update inside the per-vehicle
// interval. It reports whether the message went out.
func (p *Publisher) Publish(m Message, now time.Time) bool {
	if p == nil || p.send == nil {
		return false
	}
	p.mu.Lock()
	if !p.due(m, now) {
		p.mu.Unlock()
		return false
	}
	p.last[m.VehicleID] = lastSent{at: now, gear: m.Gear, up: m.Up, down: m.Down, shiftNow: m.ShiftNow}
	p.mu.Unlock()

	if m.TS == 0 {
		m.TS = now.UnixMilli()
	}
	payload, err := Payload(m)
	if err != nil {
		log.Printf("Publisher: encode vehicle %d: %v", m.VehicleID, err)
		return false
	}
	if err := p.send(p.Topic(m.VehicleID), payload); err != nil {
		log.Printf("Publisher: send vehicle %d: %v", m.VehicleID, err)
		return false
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return true
}

func (p *Publisher) due(m Message, now time.Time) bool {
	prev, ok := p.last[m.VehicleID]
	if !ok {
		return true
	}
	if prev.shiftNow != m.ShiftNow || prev.gear != m.Gear || prev.up != m.Up || prev.down != m.Down {
		return true
	}
	return now.Sub(prev.at) >= time.Duration(p.cfg.MinIntervalMS)*time.Millisecond
}

// Sent returns the number of messages delivered to the client.
func (p *Publisher) Sent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	if p == nil || p.client == nil {
		return
	}
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	log.Println("Publisher: stopped")
}

// Payload encodes m as JSON.
func Payload(m Message) ([]byte, error) {
	return json.Marshal(m)
}
