package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/config"
	"github.com/NeboLoop/chatsession-go-sdk/eventbus"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
)

const (
	eventEnded   = "ended"
	eventLost    = "lost"
	eventGain    = "gain"
	eventMessage = "message"

	minPollDelay = time.Second
)

// Helper is one chat's connection to the backend.
type Helper interface {
	// Start connects. It may be called once.
	Start(ctx context.Context) error
	// End tears the connection down. Calling it again does nothing.
	End()
	Status() Status

	OnEnded(fn func(EndedEvent)) (unsubscribe func())
	OnConnectionLost(fn func(ConnectionLostEvent)) (unsubscribe func())
	OnConnectionGain(fn func()) (unsubscribe func())
	// OnMessage receives the raw JSON of each chat payload.
	OnMessage(fn func(payload []byte)) (unsubscribe func())

	ConnectionToken() string
	ConnectionDetails() Details
}

// HelperOptions are shared by both helper kinds.
type HelperOptions struct {
	Config  *config.Config
	Details *DetailsProvider
	Network NetworkMonitor
	Logger  logging.Logger
}

// transport is the part that differs between helper kinds.
type transport interface {
	name() string
	// connect opens and subscribes. It is called again for every attempt.
	connect(ctx context.Context) error
	teardown()
	// selfHealing reports whether the transport reconnects on its own after
	// a drop.
	selfHealing() bool
}

// baseHelper runs the lifecycle state machine around a transport.
type baseHelper struct {
	cfg     *config.Config
	details *DetailsProvider
	network NetworkMonitor
	logger  logging.Logger
	bus     *eventbus.Bus
	t       transport

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	reconnecting bool
	minPoll      time.Duration
	pollTimer    *time.Timer
	unsubNetwork func()
}

func newBaseHelper(name string, opts HelperOptions) (*baseHelper, error) {
	if opts.Details == nil {
		return nil, fmt.Errorf("%w: details provider required", ErrIllegalArgument)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	network := opts.Network
	if network == nil {
		network = NewStaticNetwork(true)
	}
	logger := logging.With(logging.OrDefault(opts.Logger), "component", name+"_helper")
	ctx, cancel := context.WithCancel(context.Background())
	return &baseHelper{
		cfg:     cfg,
		details: opts.Details,
		network: network,
		logger:  logger,
		bus:     eventbus.New(logger),
		ctx:     ctx,
		cancel:  cancel,
		minPoll: minPollDelay,
	}, nil
}

func (b *baseHelper) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.status != StatusNeverStarted {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.setStatusLocked(StatusStarting)
	b.unsubNetwork = b.network.Subscribe(b.onNetwork)
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { b.end("start cancelled", ctx.Err()) })
	defer stop()
	return b.connectWithRetry()
}

func (b *baseHelper) End() {
	b.end("end called", nil)
}

func (b *baseHelper) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *baseHelper) OnEnded(fn func(EndedEvent)) func() {
	return b.bus.Subscribe(eventEnded, func(_ string, data any) { fn(data.(EndedEvent)) })
}

func (b *baseHelper) OnConnectionLost(fn func(ConnectionLostEvent)) func() {
	return b.bus.Subscribe(eventLost, func(_ string, data any) { fn(data.(ConnectionLostEvent)) })
}

func (b *baseHelper) OnConnectionGain(fn func()) func() {
	return b.bus.Subscribe(eventGain, func(string, any) { fn() })
}

func (b *baseHelper) OnMessage(fn func([]byte)) func() {
	return b.bus.Subscribe(eventMessage, func(_ string, data any) { fn(data.([]byte)) })
}

func (b *baseHelper) ConnectionToken() string    { return b.details.ConnectionToken() }
func (b *baseHelper) ConnectionDetails() Details { return b.details.ConnectionDetails() }

// --------------------------------------------------------------------------
// Connect loop
// --------------------------------------------------------------------------

// connectWithRetry makes up to MaxRetries attempts while the helper is
// starting or lost and the network is up.
func (b *baseHelper) connectWithRetry() error {
	var lastErr error
	retries := max(b.cfg.MaxRetries, 1)
	for attempt := 0; attempt < retries && b.canConnect(); attempt++ {
		if attempt > 0 && !b.sleep(b.cfg.RetryInterval) {
			break
		}
		err := b.t.connect(b.ctx)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues(b.t.name(), "success").Inc()
			if b.connected() {
				return nil
			}
			return ErrEnded
		}
		metrics.ConnectAttempts.WithLabelValues(b.t.name(), "error").Inc()
		b.logger.Warn("connect attempt failed", "attempt", attempt+1, "max", retries, "error", err)
		lastErr = err
		if errors.Is(err, ErrStaticDetails) {
			break
		}
	}

	b.mu.Lock()
	st := b.status
	b.mu.Unlock()
	switch {
	case st == StatusEnded:
		return ErrEnded
	case st == StatusConnectionLost && (lastErr == nil || !b.network.Online()):
		b.logger.Info("offline, waiting for network to reconnect")
		return ErrOffline
	}
	if lastErr == nil {
		lastErr = ErrOffline
	}
	b.end("connect failed", lastErr)
	return lastErr
}

func (b *baseHelper) canConnect() bool {
	b.mu.Lock()
	st := b.status
	b.mu.Unlock()
	return (st == StatusStarting || st == StatusConnectionLost) && b.network.Online()
}

// connected moves to Connected unless the helper ended meanwhile.
func (b *baseHelper) connected() bool {
	b.mu.Lock()
	if b.status == StatusEnded {
		b.mu.Unlock()
		b.t.teardown()
		return false
	}
	b.setStatusLocked(StatusConnected)
	b.schedulePollLocked()
	b.mu.Unlock()

	b.logger.Info("connection established")
	b.bus.Trigger(eventGain, nil)
	return true
}

// lost handles a drop of an established transport. A nil cause is a clean
// disconnect and ends the helper.
func (b *baseHelper) lost(cause error) {
	b.mu.Lock()
	if b.status != StatusConnected {
		b.mu.Unlock()
		return
	}
	if cause == nil || !b.cfg.ReconnectEnabled {
		b.mu.Unlock()
		b.end("connection closed", cause)
		return
	}
	b.setStatusLocked(StatusConnectionLost)
	heal := b.t.selfHealing()
	b.mu.Unlock()

	b.logger.Warn("connection lost", "error", cause)
	b.bus.Trigger(eventLost, ConnectionLostEvent{Reason: "connection lost", Err: cause})
	if !heal {
		go b.reconnect()
	}
}

// restored handles a self-healing transport coming back.
func (b *baseHelper) restored() {
	b.mu.Lock()
	if b.status != StatusConnectionLost {
		b.mu.Unlock()
		return
	}
	b.setStatusLocked(StatusConnected)
	b.schedulePollLocked()
	b.mu.Unlock()

	b.logger.Info("connection restored")
	b.bus.Trigger(eventGain, nil)
}

func (b *baseHelper) reconnect() {
	b.mu.Lock()
	if b.reconnecting || b.status != StatusConnectionLost {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.reconnecting = false
		b.mu.Unlock()
	}()
	for {
		err := b.connectWithRetry()
		// The network may have come back while the loop was deciding it was
		// offline; its notification was dropped because we were running.
		if errors.Is(err, ErrOffline) && b.network.Online() {
			continue
		}
		if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrEnded) {
			b.logger.Error("reconnect failed", "error", err)
		}
		return
	}
}

func (b *baseHelper) onNetwork(online bool) {
	if !online {
		b.logger.Info("network offline")
		return
	}
	b.mu.Lock()
	st := b.status
	b.mu.Unlock()
	if st == StatusConnectionLost && !b.t.selfHealing() {
		b.logger.Info("network online, reconnecting")
		go b.reconnect()
	}
}

// deliver forwards one chat payload to OnMessage subscribers.
func (b *baseHelper) deliver(payload []byte) {
	b.bus.Trigger(eventMessage, payload)
}

func (b *baseHelper) end(reason string, err error) {
	b.mu.Lock()
	if b.status == StatusEnded {
		b.mu.Unlock()
		return
	}
	b.setStatusLocked(StatusEnded)
	unsub := b.unsubNetwork
	b.unsubNetwork = nil
	if b.pollTimer != nil {
		b.pollTimer.Stop()
		b.pollTimer = nil
	}
	b.mu.Unlock()

	b.cancel()
	if unsub != nil {
		unsub()
	}
	b.t.teardown()

	b.logger.Info("connection ended", "reason", reason, "error", err)
	b.bus.Trigger(eventEnded, EndedEvent{Reason: reason, Err: err})
	b.bus.UnsubscribeAll()
	b.bus.Close()
}

func (b *baseHelper) setStatusLocked(s Status) {
	b.status = s
	metrics.StatusTransitions.WithLabelValues(b.t.name(), s.String()).Inc()
}

// --------------------------------------------------------------------------
// Token polling
// --------------------------------------------------------------------------

func (b *baseHelper) schedulePollLocked() {
	if b.pollTimer != nil {
		b.pollTimer.Stop()
	}
	b.pollTimer = time.AfterFunc(b.pollDelay(), b.pollToken)
}

func (b *baseHelper) pollDelay() time.Duration {
	d := b.cfg.TokenPollInterval
	if expiry := b.details.ConnectionTokenExpiry(); !expiry.IsZero() {
		if until := time.Until(expiry) - b.cfg.TokenRefreshBuffer; until < d {
			d = until
		}
	}
	return max(d, b.minPoll)
}

func (b *baseHelper) pollToken() {
	if b.Status() == StatusEnded {
		return
	}
	_, err := b.details.FetchConnectionToken(b.ctx)
	switch {
	case errors.Is(err, ErrStaticDetails):
		b.logger.Debug("static connection details, token polling stopped")
		b.mu.Lock()
		b.pollTimer = nil
		b.mu.Unlock()
		return
	case err != nil:
		b.logger.Warn("connection token refresh failed", "error", err)
	default:
		b.logger.Debug("connection token refreshed", "expiry", b.details.ConnectionTokenExpiry())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusEnded {
		b.schedulePollLocked()
	}
}

func (b *baseHelper) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}
