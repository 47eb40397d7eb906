package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/wire"
	"github.com/NeboLoop/chatsession-go-sdk/wsmanager"
)

var errConnectTimeout = errors.New("managed websocket did not connect in time")

// ManagedOptions identify the chat on the shared socket.
type ManagedOptions struct {
	Registry *Registry
	// Key selects the shared socket: AgentKey or the customer's contact id.
	Key              string
	InitialContactID string
	// External is a caller-owned socket to use instead of creating one.
	External       SocketManager
	ConnectTimeout time.Duration
}

// ManagedHelper connects one chat through a socket shared with other chats.
// The socket reconnects by itself; the helper mirrors its state.
type ManagedHelper struct {
	*baseHelper
	opts ManagedOptions

	mu     sync.Mutex
	mgr    SocketManager
	unsubs []func()
}

// NewManagedHelper creates a helper.
func NewManagedHelper(opts HelperOptions, m ManagedOptions) (*ManagedHelper, error) {
	if m.Registry == nil {
		return nil, fmt.Errorf("%w: socket registry required", ErrIllegalArgument)
	}
	b, err := newBaseHelper("managed", opts)
	if err != nil {
		return nil, err
	}
	if m.ConnectTimeout <= 0 {
		m.ConnectTimeout = b.cfg.HTTPTimeout
	}
	h := &ManagedHelper{baseHelper: b, opts: m}
	b.t = h
	return h, nil
}

func (h *ManagedHelper) name() string      { return "managed" }
func (h *ManagedHelper) selfHealing() bool { return true }

func (h *ManagedHelper) connect(ctx context.Context) error {
	mgr, fresh := h.attach()

	gained := make(chan struct{}, 1)
	failed := make(chan error, 1)
	unGain := mgr.OnConnectionGain(func() {
		select {
		case gained <- struct{}{}:
		default:
		}
	})
	defer unGain()
	unFail := mgr.OnInitFailure(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	defer unFail()

	if fresh {
		if err := mgr.Init(h.fetchTransport); err != nil && !errors.Is(err, wsmanager.ErrAlreadyInitialized) {
			h.detach()
			return fmt.Errorf("init websocket: %w", err)
		}
	}
	if mgr.Connected() {
		return nil
	}

	timer := time.NewTimer(h.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-gained:
		return nil
	case err := <-failed:
		h.detach()
		return fmt.Errorf("websocket init: %w", err)
	case <-timer.C:
		return errConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach acquires the shared socket once and wires this chat to it.
func (h *ManagedHelper) attach() (SocketManager, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mgr != nil {
		return h.mgr, false
	}

	mgr, fresh := h.opts.Registry.Acquire(h.opts.Key, h.opts.External)
	mgr.SubscribeTopic(wire.TopicChat)
	h.unsubs = append(h.unsubs,
		mgr.OnMessage(h.handleEnvelope),
		mgr.OnConnectionLost(h.lost),
		mgr.OnConnectionGain(h.restored),
	)
	h.mgr = mgr
	h.logger.Debug("attached to shared websocket", "key", h.opts.Key, "fresh", fresh)
	return mgr, fresh
}

func (h *ManagedHelper) detach() {
	h.mu.Lock()
	mgr, unsubs := h.mgr, h.unsubs
	h.mgr, h.unsubs = nil, nil
	h.mu.Unlock()
	if mgr == nil {
		return
	}
	for _, u := range unsubs {
		u()
	}
	h.opts.Registry.Release(h.opts.Key)
}

func (h *ManagedHelper) teardown() { h.detach() }

func (h *ManagedHelper) fetchTransport(ctx context.Context) (wsmanager.Transport, error) {
	d, err := h.details.FetchConnectionDetails(ctx)
	if err != nil {
		return wsmanager.Transport{}, err
	}
	return wsmanager.Transport{URL: d.PreSignedConnectionURL, Expiry: d.URLExpiry}, nil
}

// handleEnvelope forwards chat payloads addressed to this chat. Connection
// acknowledgements are not scoped to a contact and go to every chat.
func (h *ManagedHelper) handleEnvelope(env wire.Envelope) {
	if env.Topic != wire.TopicChat {
		return
	}
	raw, err := env.ChatContent()
	if err != nil {
		h.logger.Debug("undecodable chat frame", "error", err)
		return
	}
	var head chatHead
	if err := json.Unmarshal(raw, &head); err != nil {
		h.logger.Debug("undecodable chat payload", "error", err)
		return
	}
	if !head.broadcast() && h.opts.InitialContactID != "" && head.InitialContactID != h.opts.InitialContactID {
		return
	}
	h.deliver(raw)
}

// chatHead is the part of a chat payload needed to route it.
type chatHead struct {
	InitialContactID string `json:"InitialContactId"`
	ContentType      string `json:"ContentType"`
	Type             string `json:"Type"`
}

// broadcastTypes are item types that are not scoped to one chat. Without an
// InitialContactId they go to every chat on the socket.
var broadcastTypes = map[string]bool{
	wire.TypeConnectionAck:   true,
	wire.TypeMessageMetadata: true,
}

// broadcast reports whether the payload goes to every chat sharing the
// socket. Connection acknowledgements always do.
func (c chatHead) broadcast() bool {
	if c.ContentType == wire.ContentTypeConnectionAcknowledged {
		return true
	}
	return c.InitialContactID == "" && broadcastTypes[c.Type]
}
