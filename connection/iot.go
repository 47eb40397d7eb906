package connection

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	iotQoS       = 1
	iotKeepAlive = 30 * time.Second
)

// IotHelper connects one chat over MQTT. Each attempt fetches fresh
// details, connects, and subscribes to the topic named by the connection id.
type IotHelper struct {
	*baseHelper
	factory MQTTFactory

	mu     sync.Mutex
	client MQTTClient
}

// NewIotHelper creates a helper. A nil factory uses paho.
func NewIotHelper(opts HelperOptions, factory MQTTFactory) (*IotHelper, error) {
	b, err := newBaseHelper("iot", opts)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = NewPahoClient
	}
	h := &IotHelper{baseHelper: b, factory: factory}
	b.t = h
	return h, nil
}

func (h *IotHelper) name() string      { return "iot" }
func (h *IotHelper) selfHealing() bool { return false }

func (h *IotHelper) connect(ctx context.Context) error {
	d, err := h.details.FetchConnectionDetails(ctx)
	if err != nil {
		return fmt.Errorf("fetch connection details: %w", err)
	}

	var c MQTTClient
	c = h.factory(MQTTOptions{
		URL:              d.PreSignedConnectionURL,
		ClientID:         d.ConnectionID,
		KeepAlive:        iotKeepAlive,
		OnConnectionLost: func(err error) { h.clientLost(c, err) },
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if err := c.Subscribe(ctx, d.ConnectionID, iotQoS, h.deliver); err != nil {
		c.Disconnect()
		return fmt.Errorf("mqtt subscribe %s: %w", d.ConnectionID, err)
	}

	h.mu.Lock()
	prev := h.client
	h.client = c
	h.mu.Unlock()
	if prev != nil {
		prev.Disconnect()
	}
	h.logger.Debug("mqtt subscribed", "topic", d.ConnectionID)
	return nil
}

// clientLost ignores drops reported by clients that were already replaced.
func (h *IotHelper) clientLost(c MQTTClient, err error) {
	h.mu.Lock()
	if h.client != c {
		h.mu.Unlock()
		return
	}
	h.client = nil
	h.mu.Unlock()
	h.lost(err)
}

func (h *IotHelper) teardown() {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}
