package connection

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configure one MQTT client.
type MQTTOptions struct {
	URL       string
	ClientID  string
	KeepAlive time.Duration
	// OnConnectionLost is called when an established connection drops
	// without Disconnect being called.
	OnConnectionLost func(err error)
}

// MQTTClient is the subset of an MQTT client the IoT helper drives.
type MQTTClient interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(payload []byte)) error
	Disconnect()
}

// MQTTFactory creates a client. NewPahoClient is the default.
type MQTTFactory func(opts MQTTOptions) MQTTClient

const disconnectQuiesceMillis = 250

type pahoClient struct {
	c mqtt.Client
}

// NewPahoClient returns an MQTT client backed by paho. Reconnection is left
// to the helper, so paho's own auto-reconnect is off.
func NewPahoClient(opts MQTTOptions) MQTTClient {
	o := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.OnConnectionLost != nil {
		lost := opts.OnConnectionLost
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { lost(err) })
	}
	return &pahoClient{c: mqtt.NewClient(o)}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, p.c.Connect())
}

func (p *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler func([]byte)) error {
	return wait(ctx, p.c.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	}))
}

func (p *pahoClient) Disconnect() {
	p.c.Disconnect(disconnectQuiesceMillis)
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
