// Package integration publishes gateway events to local brokers so site
// dashboards and automations can follow traffic without touching the MAC
// layer. NATS and MQTT transports share one event schema.
package integration

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventUplink = "up"
	EventJoin   = "join"
)

// Event is the broker-facing view of one gateway occurrence.
type Event struct {
	Type      string    `json:"type"`
	GatewayID string    `json:"gatewayId"`
	DevEUI    string    `json:"devEUI"`
	DevAddr   string    `json:"devAddr,omitempty"`
	FPort     *uint8    `json:"fPort,omitempty"`
	FCnt      uint32    `json:"fCnt"`
	Payload   []byte    `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers events best-effort; a broker outage never disturbs the
// radio path.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// NATSPublisher publishes to subjects gateway.<id>.event.<type>.
type NATSPublisher struct {
	nc        *nats.Conn
	gatewayID string
}

// NewNATSPublisher connects to a NATS server.
func NewNATSPublisher(url, gatewayID string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("integration: nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, gatewayID: gatewayID}, nil
}

// Publish sends the event, dropping it on marshal or transport errors.
func (p *NATSPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("gateway.%s.event.%s", p.gatewayID, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	p.nc.Close()
}

// MQTTPublisher publishes to topics gateway/<id>/event/<type>.
type MQTTPublisher struct {
	client    mqtt.Client
	gatewayID string
}

// NewMQTTPublisher connects to an MQTT broker.
func NewMQTTPublisher(broker, gatewayID string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("field-gateway-" + gatewayID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("integration: mqtt connect: %v", token.Error())
	}
	return &MQTTPublisher{client: client, gatewayID: gatewayID}, nil
}

// Publish sends the event at QoS 0 without waiting for the broker.
func (p *MQTTPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("gateway/%s/event/%s", p.gatewayID, ev.Type)
	p.client.Publish(topic, 0, false, data)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// MultiPublisher fans one event out to several transports.
type MultiPublisher []Publisher

// Publish delivers to every transport.
func (m MultiPublisher) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Close closes every transport.
func (m MultiPublisher) Close() {
	for _, p := range m {
		p.Close()
	}
}
