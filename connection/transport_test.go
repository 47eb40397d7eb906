package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeboLoop/chatsession-go-sdk/eventbus"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
	"github.com/NeboLoop/chatsession-go-sdk/wsmanager"
)

// --------------------------------------------------------------------------
// IoT
// --------------------------------------------------------------------------

type fakeMQTT struct {
	opts         MQTTOptions
	connectErr   error
	subscribeErr error

	mu           sync.Mutex
	topic        string
	qos          byte
	handler      func([]byte)
	disconnected bool
}

func (f *fakeMQTT) Connect(context.Context) error { return f.connectErr }

func (f *fakeMQTT) Subscribe(_ context.Context, topic string, qos byte, h func([]byte)) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.qos, f.handler = topic, qos, h
	return nil
}

func (f *fakeMQTT) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeMQTT) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type mqttFactory struct {
	mu      sync.Mutex
	clients []*fakeMQTT
	next    func() *fakeMQTT
}

func (m *mqttFactory) new(opts MQTTOptions) MQTTClient {
	c := &fakeMQTT{}
	if m.next != nil {
		c = m.next()
	}
	c.opts = opts
	m.mu.Lock()
	m.clients = append(m.clients, c)
	m.mu.Unlock()
	return c
}

func (m *mqttFactory) last() *fakeMQTT {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[len(m.clients)-1]
}

func (m *mqttFactory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func newIot(t *testing.T, api *fakeAPI, factory *mqttFactory) *IotHelper {
	t.Helper()
	details := NewDetailsProvider(DetailsOptions{ParticipantToken: "pt", API: api, Logger: logging.Nop()})
	_, err := details.Init(context.Background())
	require.NoError(t, err)
	h, err := NewIotHelper(HelperOptions{Config: testConfig(), Details: details, Logger: logging.Nop()}, factory.new)
	require.NoError(t, err)
	t.Cleanup(h.End)
	return h
}

func TestIotHelper_SubscribesToConnectionID(t *testing.T) {
	api := &fakeAPI{url: iotURL}
	factory := &mqttFactory{}
	h := newIot(t, api, factory)

	got := make(chan []byte, 1)
	h.OnMessage(func(p []byte) { got <- p })

	require.NoError(t, h.Start(context.Background()))
	c := factory.last()
	assert.Equal(t, "conn-id-1", c.opts.ClientID)
	assert.Equal(t, iotURL, c.opts.URL)
	assert.Equal(t, "conn-id-1", c.topic)
	assert.Equal(t, byte(1), c.qos)
	assert.Equal(t, int32(1), api.connections.Load(), "start reuses the details fetched by init")

	c.handler([]byte(`{"Id":"m1"}`))
	assert.JSONEq(t, `{"Id":"m1"}`, string(<-got))

	h.End()
	assert.True(t, c.isDisconnected())
}

func TestIotHelper_SubscribeFailureDisconnects(t *testing.T) {
	factory := &mqttFactory{next: func() *fakeMQTT { return &fakeMQTT{subscribeErr: errors.New("denied")} }}
	h := newIot(t, &fakeAPI{url: iotURL}, factory)

	require.Error(t, h.Start(context.Background()))
	assert.Equal(t, 3, factory.count())
	for _, c := range factory.clients {
		assert.True(t, c.isDisconnected())
	}
	assert.Equal(t, StatusEnded, h.Status())
}

func TestIotHelper_LostRefetchesDetails(t *testing.T) {
	api := &fakeAPI{url: iotURL}
	factory := &mqttFactory{}
	h := newIot(t, api, factory)
	require.NoError(t, h.Start(context.Background()))
	first := factory.last()

	first.opts.OnConnectionLost(errors.New("keepalive timeout"))
	require.Eventually(t, func() bool { return factory.count() == 2 && h.Status() == StatusConnected }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), api.connections.Load())

	// A late report from the replaced client changes nothing.
	first.opts.OnConnectionLost(errors.New("late"))
	assert.Equal(t, StatusConnected, h.Status())
}

// --------------------------------------------------------------------------
// Managed websocket
// --------------------------------------------------------------------------

type fakeSocket struct {
	bus       *eventbus.Bus
	initErr   error
	autoGain  bool
	mu        sync.Mutex
	topics    []string
	inits     int
	closed    bool
	connected bool
}

func newFakeSocket(autoGain bool) *fakeSocket {
	return &fakeSocket{bus: eventbus.New(logging.Nop()), autoGain: autoGain}
}

func (s *fakeSocket) Init(fetch wsmanager.FetchFunc) error {
	s.mu.Lock()
	s.inits++
	s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	if _, err := fetch(context.Background()); err != nil {
		return err
	}
	if s.autoGain {
		go s.gain()
	}
	return nil
}

func (s *fakeSocket) gain() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.bus.Trigger("gain", nil)
}

func (s *fakeSocket) drop(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.bus.Trigger("lost", err)
}

func (s *fakeSocket) SubscribeTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
}

func (s *fakeSocket) OnConnectionGain(fn func()) func() {
	return s.bus.Subscribe("gain", func(string, any) { fn() })
}

func (s *fakeSocket) OnConnectionLost(fn func(error)) func() {
	return s.bus.Subscribe("lost", func(_ string, d any) { fn(d.(error)) })
}

func (s *fakeSocket) OnInitFailure(fn func(error)) func() {
	return s.bus.Subscribe("init_failure", func(_ string, d any) { fn(d.(error)) })
}

func (s *fakeSocket) OnMessage(fn func(wire.Envelope)) func() {
	return s.bus.Subscribe("message", func(_ string, d any) { fn(d.(wire.Envelope)) })
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) Send(context.Context, wire.Envelope) error { return nil }

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func chatFrame(t *testing.T, it wire.Item) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(it)
	require.NoError(t, err)
	quoted, err := json.Marshal(string(raw))
	require.NoError(t, err)
	return wire.Envelope{Topic: wire.TopicChat, Content: quoted}
}

func newManaged(t *testing.T, reg *Registry, key, initialContactID string) *ManagedHelper {
	t.Helper()
	h, err := NewManagedHelper(
		HelperOptions{Config: testConfig(), Details: staticProvider(t), Logger: logging.Nop()},
		ManagedOptions{Registry: reg, Key: key, InitialContactID: initialContactID, ConnectTimeout: time.Second},
	)
	require.NoError(t, err)
	t.Cleanup(h.End)
	return h
}

func TestManagedHelper_SharesSocketAndDemuxes(t *testing.T) {
	sock := newFakeSocket(true)
	reg := NewRegistry(func() SocketManager { return sock })

	a := newManaged(t, reg, AgentKey, "contact-a")
	b := newManaged(t, reg, AgentKey, "contact-b")
	gotA := make(chan []byte, 4)
	gotB := make(chan []byte, 4)
	a.OnMessage(func(p []byte) { gotA <- p })
	b.OnMessage(func(p []byte) { gotB <- p })

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, sock.inits)
	assert.Equal(t, 2, reg.Refs(AgentKey))

	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "1", InitialContactID: "contact-a"}))
	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "2", InitialContactID: "contact-b"}))
	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "3", ContentType: wire.ContentTypeConnectionAcknowledged}))

	assert.Len(t, gotA, 2)
	assert.Len(t, gotB, 2)
	first, err := wire.DecodeItem(<-gotA)
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)

	a.End()
	assert.Equal(t, 1, reg.Refs(AgentKey))
	assert.False(t, sock.isClosed())
	b.End()
	assert.Zero(t, reg.Refs(AgentKey))
	assert.True(t, sock.isClosed())
}

func TestManagedHelper_MirrorsSocketState(t *testing.T) {
	sock := newFakeSocket(true)
	h := newManaged(t, NewRegistry(func() SocketManager { return sock }), "contact-1", "")
	require.NoError(t, h.Start(context.Background()))

	lost := make(chan ConnectionLostEvent, 1)
	h.OnConnectionLost(func(e ConnectionLostEvent) { lost <- e })
	sock.drop(errors.New("read: EOF"))
	assert.Equal(t, StatusConnectionLost, h.Status())
	<-lost

	sock.gain()
	assert.Equal(t, StatusConnected, h.Status())
}

func TestManagedHelper_InitFailureEnds(t *testing.T) {
	sock := newFakeSocket(false)
	sock.initErr = errors.New("closed")
	reg := NewRegistry(func() SocketManager { return sock })
	h := newManaged(t, reg, "contact-1", "")

	require.Error(t, h.Start(context.Background()))
	assert.Equal(t, StatusEnded, h.Status())
	assert.Zero(t, reg.Refs("contact-1"))
}

func TestRegistry_ExternalNeverClosed(t *testing.T) {
	reg := NewRegistry(func() SocketManager { t.Fatal("should not build"); return nil })
	ext := newFakeSocket(false)

	mgr, fresh := reg.Acquire(AgentKey, ext)
	assert.False(t, fresh)
	assert.Same(t, ext, mgr.(*fakeSocket))
	reg.Release(AgentKey)
	reg.Release(AgentKey)
	assert.False(t, ext.isClosed())
}

// --------------------------------------------------------------------------
// Provider
// --------------------------------------------------------------------------

func TestProvider_SelectsHelper(t *testing.T) {
	factory := &mqttFactory{}
	iot := NewProvider(ProviderOptions{Config: testConfig(), API: &fakeAPI{url: iotURL}, Logger: logging.Nop(), MQTT: factory.new})
	h, err := iot.Get(context.Background(), Params{ParticipantToken: "pt"})
	require.NoError(t, err)
	assert.IsType(t, &IotHelper{}, h)
	assert.Equal(t, StatusNeverStarted, h.Status())

	lpc := NewProvider(ProviderOptions{Config: testConfig(), API: &fakeAPI{url: lpcURL}, Logger: logging.Nop()})
	h, err = lpc.Get(context.Background(), Params{ParticipantToken: "pt", ContactID: "c1"})
	require.NoError(t, err)
	managed, ok := h.(*ManagedHelper)
	require.True(t, ok)
	assert.Equal(t, "c1", managed.opts.Key)

	h, err = lpc.Get(context.Background(), Params{ParticipantToken: "pt", ContactID: "c2", Agent: true})
	require.NoError(t, err)
	assert.Equal(t, AgentKey, h.(*ManagedHelper).opts.Key)

	_, err = lpc.Get(context.Background(), Params{})
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestManagedHelper_BroadcastsUnscopedMetadata(t *testing.T) {
	sock := newFakeSocket(true)
	reg := NewRegistry(func() SocketManager { return sock })
	h := newManaged(t, reg, AgentKey, "contact-a")
	got := make(chan []byte, 4)
	h.OnMessage(func(p []byte) { got <- p })
	require.NoError(t, h.Start(context.Background()))

	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "md", Type: wire.TypeMessageMetadata}))
	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "ack", Type: wire.TypeConnectionAck}))
	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "other-md", Type: wire.TypeMessageMetadata, InitialContactID: "contact-b"}))
	sock.bus.Trigger("message", chatFrame(t, wire.Item{ID: "unscoped", Type: wire.TypeMessage}))

	require.Len(t, got, 2)
	for _, want := range []string{"md", "ack"} {
		it, err := wire.DecodeItem(<-got)
		require.NoError(t, err)
		assert.Equal(t, want, it.ID)
	}
}
