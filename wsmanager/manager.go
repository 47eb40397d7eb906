// Package wsmanager owns one managed websocket and keeps it alive.
//
// A Manager dials the URL its fetcher returns, subscribes to every
// registered topic, pings on aws/heartbeat, and redials when the socket
// drops, when heartbeats go unanswered, or shortly before the presigned URL
// expires. Any number of chats may share one Manager; they observe it
// through the On* registrations.
package wsmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/NeboLoop/chatsession-go-sdk/eventbus"
	"github.com/NeboLoop/chatsession-go-sdk/frame"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

var (
	ErrAlreadyInitialized = errors.New("wsmanager: already initialized")
	ErrClosed             = errors.New("wsmanager: closed")
	ErrNotConnected       = errors.New("wsmanager: not connected")

	errHeartbeat = errors.New("heartbeat missed")
	errExpiring  = errors.New("transport url expiring")
)

const (
	eventGain        = "gain"
	eventLost        = "lost"
	eventInitFailure = "init_failure"
	eventMessage     = "message"
)

// Transport is where to connect and until when the URL is valid.
type Transport struct {
	URL    string
	Expiry time.Time
}

// FetchFunc returns a fresh transport for every dial.
type FetchFunc func(ctx context.Context) (Transport, error)

// DialFunc opens the websocket.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// Config holds connection parameters.
type Config struct {
	MaxInitAttempts    int           // failed dials before the first success ends the manager
	BaseDelay          time.Duration // first reconnect delay, doubled per attempt
	MaxDelay           time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	ExpiryBuffer       time.Duration // redial this long before Transport.Expiry
	DialRate           rate.Limit    // sustained dials per second
	DialBurst          int
	Logger             logging.Logger
	Dial               DialFunc
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxInitAttempts:    3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		HeartbeatMissLimit: 3,
		ExpiryBuffer:       time.Minute,
		DialRate:           rate.Every(2 * time.Second),
		DialBurst:          3,
	}
}

type outFrame struct {
	data   []byte
	binary bool
}

// conn is one physical socket.
type conn struct {
	nc     net.Conn
	sendCh chan outFrame
	stop   chan struct{}
	once   sync.Once
	cause  error
	misses atomic.Int32
}

func (c *conn) close(cause error) {
	c.once.Do(func() {
		c.cause = cause
		close(c.stop)
		c.nc.Close()
	})
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  logging.Logger
	limiter *rate.Limiter
	dedup   *frame.DedupWindow
	bus     *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	topics      []string
	current     *conn
	initialized bool
	closed      bool
	everUp      bool
}

// New creates a manager. Zero Config fields take DefaultConfig values.
func New(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxInitAttempts <= 0 {
		cfg.MaxInitAttempts = def.MaxInitAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatMissLimit <= 0 {
		cfg.HeartbeatMissLimit = def.HeartbeatMissLimit
	}
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = def.ExpiryBuffer
	}
	if cfg.DialRate == 0 {
		cfg.DialRate = def.DialRate
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = def.DialBurst
	}
	if cfg.Dial == nil {
		cfg.Dial = dial
	}

	logger := logging.With(logging.OrDefault(cfg.Logger), "component", "wsmanager")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.DialRate, cfg.DialBurst),
		dedup:   frame.NewDedupWindow(0, 0),
		bus:     eventbus.New(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Init starts connecting in the background. It may be called once.
func (m *Manager) Init(fetch FetchFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.initialized = true
	go m.run(fetch)
	return nil
}

// SubscribeTopic adds topic to the subscription set, subscribing right away
// when connected.
func (m *Manager) SubscribeTopic(topic string) {
	m.mu.Lock()
	for _, t := range m.topics {
		if t == topic {
			m.mu.Unlock()
			return
		}
	}
	m.topics = append(m.topics, topic)
	c := m.current
	m.mu.Unlock()

	if c != nil {
		m.enqueue(c, frame.Subscribe(topic))
	}
}

// OnConnectionGain fires after every successful dial and subscribe.
func (m *Manager) OnConnectionGain(fn func()) (unsubscribe func()) {
	return m.bus.Subscribe(eventGain, func(string, any) { fn() })
}

// OnConnectionLost fires when an established socket drops.
func (m *Manager) OnConnectionLost(fn func(cause error)) (unsubscribe func()) {
	return m.bus.Subscribe(eventLost, func(_ string, data any) {
		err, _ := data.(error)
		fn(err)
	})
}

// OnInitFailure fires once if the first connection never comes up.
func (m *Manager) OnInitFailure(fn func(cause error)) (unsubscribe func()) {
	return m.bus.Subscribe(eventInitFailure, func(_ string, data any) {
		err, _ := data.(error)
		fn(err)
	})
}

// OnMessage receives every envelope other than heartbeats and subscribe
// acknowledgements. Handlers run on the read goroutine in arrival order.
func (m *Manager) OnMessage(fn func(wire.Envelope)) (unsubscribe func()) {
	return m.bus.Subscribe(eventMessage, func(_ string, data any) {
		fn(data.(wire.Envelope))
	})
}

// Connected reports whether a socket is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Send writes env on the current socket.
func (m *Manager) Send(ctx context.Context, env wire.Envelope) error {
	m.mu.Lock()
	c, closed := m.current, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c == nil {
		return ErrNotConnected
	}

	data, binary, err := frame.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- outFrame{data: data, binary: binary}:
		return nil
	case <-c.stop:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the socket down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.current
	m.current = nil
	m.mu.Unlock()

	m.cancel()
	if c != nil {
		c.close(ErrClosed)
	}
	m.bus.Close()
	m.logger.Info("websocket manager closed")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// --------------------------------------------------------------------------
// Connection loop
// --------------------------------------------------------------------------

func (m *Manager) run(fetch FetchFunc) {
	attempt := 0
	for {
		if err := m.limiter.Wait(m.ctx); err != nil {
			return
		}

		t, nc, err := m.connect(fetch)
		if err != nil {
			if m.isClosed() {
				return
			}
			attempt++
			metrics.ConnectAttempts.WithLabelValues("websocket", "error").Inc()
			m.logger.Warn("websocket connect failed", "attempt", attempt, "error", err)

			m.mu.Lock()
			everUp := m.everUp
			m.mu.Unlock()
			if !everUp && attempt >= m.cfg.MaxInitAttempts {
				m.bus.Trigger(eventInitFailure, err)
				m.Close()
				return
			}
			if !m.sleep(backoff(attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)) {
				return
			}
			continue
		}
		attempt = 0
		metrics.ConnectAttempts.WithLabelValues("websocket", "success").Inc()

		cause := m.serve(nc, t)
		if m.isClosed() {
			return
		}
		m.logger.Warn("websocket connection lost", "error", cause)
		m.bus.Trigger(eventLost, cause)
	}
}

func (m *Manager) connect(fetch FetchFunc) (Transport, net.Conn, error) {
	t, err := fetch(m.ctx)
	if err != nil {
		return Transport{}, nil, fmt.Errorf("fetch transport: %w", err)
	}
	if t.URL == "" {
		return Transport{}, nil, errors.New("fetch transport: empty url")
	}
	nc, err := m.cfg.Dial(m.ctx, t.URL)
	if err != nil {
		return Transport{}, nil, fmt.Errorf("dial: %w", err)
	}
	return t, nc, nil
}

// serve runs one socket until it drops and returns why.
func (m *Manager) serve(nc net.Conn, t Transport) error {
	c := &conn{
		nc:     nc,
		sendCh: make(chan outFrame, 64),
		stop:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		nc.Close()
		return ErrClosed
	}
	m.current = c
	m.everUp = true
	topics := append([]string(nil), m.topics...)
	m.mu.Unlock()

	go m.writeLoop(c)
	if len(topics) > 0 {
		m.enqueue(c, frame.Subscribe(topics...))
	}

	if !t.Expiry.IsZero() {
		wait := time.Until(t.Expiry) - m.cfg.ExpiryBuffer
		if wait < 0 {
			wait = 0
		}
		timer := time.AfterFunc(wait, func() { c.close(errExpiring) })
		defer timer.Stop()
	}

	m.logger.Info("websocket connected")
	m.bus.Trigger(eventGain, nil)

	m.readLoop(c)

	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()
	return c.cause
}

func (m *Manager) readLoop(c *conn) {
	for {
		data, op, err := wsutil.ReadServerData(c.nc)
		if err != nil {
			c.close(err)
			return
		}

		env, err := frame.Decode(data, op == ws.OpBinary)
		if err != nil {
			m.logger.Debug("bad frame", "error", err)
			continue
		}

		switch env.Topic {
		case wire.TopicHeartbeat:
			c.misses.Store(0)
		case wire.TopicSubscribe:
			var res wire.SubscribeResult
			if err := jsonUnmarshal(env.Content, &res); err == nil && res.Status != "" && res.Status != "success" {
				m.logger.Warn("topic subscription rejected", "topics", res.Topics, "status", res.Status)
			}
		default:
			if m.dedup.Seen(frame.Fingerprint(append([]byte(env.Topic), env.Content...))) {
				m.logger.Debug("dropping replayed frame", "topic", env.Topic)
				continue
			}
			m.bus.Trigger(eventMessage, env)
		}
	}
}

func (m *Manager) writeLoop(c *conn) {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ping, _, _ := frame.Encode(frame.Heartbeat())

	for {
		select {
		case f := <-c.sendCh:
			op := ws.OpText
			if f.binary {
				op = ws.OpBinary
			}
			if err := wsutil.WriteClientMessage(c.nc, op, f.data); err != nil {
				m.logger.Warn("write error", "error", err)
				c.close(err)
				return
			}
		case <-heartbeat.C:
			if int(c.misses.Add(1)) > m.cfg.HeartbeatMissLimit {
				c.close(errHeartbeat)
				return
			}
			if err := wsutil.WriteClientText(c.nc, ping); err != nil {
				c.close(err)
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (m *Manager) enqueue(c *conn, env wire.Envelope) {
	data, binary, err := frame.Encode(env)
	if err != nil {
		m.logger.Error("encode frame", "topic", env.Topic, "error", err)
		return
	}
	select {
	case c.sendCh <- outFrame{data: data, binary: binary}:
	case <-c.stop:
	}
}

func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func dial(ctx context.Context, url string) (net.Conn, error) {
	nc, _, _, err := ws.Dial(ctx, url)
	return nc, err
}

// jsonUnmarshal treats empty content as an empty object.
func jsonUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
