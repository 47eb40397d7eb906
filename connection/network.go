package connection

import (
	"net"
	"sync"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
)

// NetworkMonitor reports connectivity and notifies on changes.
type NetworkMonitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// StaticNetwork is a NetworkMonitor whose state is set by the caller.
type StaticNetwork struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewStaticNetwork returns a monitor in the given state.
func NewStaticNetwork(online bool) *StaticNetwork {
	return &StaticNetwork{online: online, subs: make(map[int]func(bool))}
}

func (n *StaticNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *StaticNetwork) Subscribe(fn func(bool)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Set changes the state and notifies subscribers when it flips.
func (n *StaticNetwork) Set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// ProbeNetwork decides connectivity by dialing a TCP address periodically.
type ProbeNetwork struct {
	*StaticNetwork
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger
	stop     chan struct{}
	once     sync.Once
}

// NewProbeNetwork starts probing addr (host:port) every interval.
func NewProbeNetwork(addr string, interval time.Duration, logger logging.Logger) *ProbeNetwork {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &ProbeNetwork{
		StaticNetwork: NewStaticNetwork(true),
		addr:          addr,
		interval:      interval,
		timeout:       interval / 2,
		logger:        logging.With(logging.OrDefault(logger), "component", "network"),
		stop:          make(chan struct{}),
	}
	go p.loop()
	return p
}

// Close stops probing.
func (p *ProbeNetwork) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *ProbeNetwork) loop() {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.probe()
		select {
		case <-t.C:
		case <-p.stop:
			return
		}
	}
}

func (p *ProbeNetwork) probe() {
	c, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		if p.Online() {
			p.logger.Warn("network probe failed", "addr", p.addr, "error", err)
		}
		p.Set(false)
		return
	}
	c.Close()
	p.Set(true)
}
