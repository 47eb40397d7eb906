// Package chatsession keeps a participant's chat session with the contact
// center backend alive. It picks the transport (MQTT or a shared managed
// websocket), reconnects when the transport drops, keeps an ordered local
// transcript, and exposes send, event and history operations.
package chatsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/config"
	"github.com/NeboLoop/chatsession-go-sdk/connection"
	"github.com/NeboLoop/chatsession-go-sdk/eventbus"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/participant"
	"github.com/NeboLoop/chatsession-go-sdk/receipts"
	"github.com/NeboLoop/chatsession-go-sdk/transcript"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// ChatClient is the participant service. *participant.Client implements it.
type ChatClient interface {
	connection.ConnectionAPI
	SendMessage(ctx context.Context, connectionToken, content, contentType string) (*wire.SendResponse, error)
	SendEvent(ctx context.Context, connectionToken string, req wire.SendEventRequest) (*wire.SendResponse, error)
	GetTranscript(ctx context.Context, connectionToken string, req wire.GetTranscriptRequest) (*wire.GetTranscriptResponse, error)
	DisconnectParticipant(ctx context.Context, connectionToken string) error
}

var _ ChatClient = (*participant.Client)(nil)

// Options configure a Session. One of ParticipantToken, Static or Minter is
// required.
type Options struct {
	Type             SessionType
	ContactID        string
	InitialContactID string
	ParticipantID    string
	ParticipantToken string
	Static           *connection.StaticDetails
	Minter           connection.TokenMinter

	Config *config.Config
	Logger logging.Logger
	// Client defaults to a participant.Client for Config's endpoint.
	Client ChatClient
	// Provider defaults to one built from Config and Client. Share one
	// Provider between sessions so agent chats share a websocket.
	Provider *connection.Provider
	// SocketManager is a caller-owned websocket for managed chats.
	SocketManager connection.SocketManager
}

// Session is one participant's chat. It is safe for concurrent use.
type Session struct {
	opts     Options
	cfg      *config.Config
	client   ChatClient
	provider *connection.Provider
	logger   logging.Logger
	bus      *eventbus.Bus
	store    *transcript.Store
	partials *transcript.Partials
	receipts *receipts.Throttler

	mu                      sync.Mutex
	helper                  connection.Helper
	participantDisconnected bool
	closed                  bool
}

// NewSession validates opts and returns an unconnected session.
func NewSession(opts Options) (*Session, error) {
	switch opts.Type {
	case SessionAgent, SessionCustomer:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionType, opts.Type)
	}

	logger := logging.Default()
	if opts.Logger != nil {
		l, err := logging.Validate(opts.Logger)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	logger = logging.With(logger, "contact_id", opts.ContactID, "session_type", string(opts.Type))

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	client := opts.Client
	if client == nil {
		c, err := participant.NewClient(cfg.ParticipantEndpoint(), cfg.HTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("participant client: %w", err)
		}
		client = c
	}

	provider := opts.Provider
	if provider == nil {
		provider = connection.NewProvider(connection.ProviderOptions{
			Config: cfg,
			API:    client,
			Logger: logger,
		})
	}

	s := &Session{
		opts:     opts,
		cfg:      cfg,
		client:   client,
		provider: provider,
		logger:   logger,
		bus:      eventbus.New(logger),
		store:    transcript.NewStore(logger),
		partials: transcript.NewPartials(logger),
	}
	s.receipts = receipts.New(s.sendReceipt, cfg.MessageReceiptsThrottle, logger)
	return s, nil
}

// Connect resolves the transport, starts it and waits until it is up.
func (s *Session) Connect(ctx context.Context, metadata any) (ConnectResult, error) {
	start := time.Now()
	s.mu.Lock()
	if s.helper != nil {
		s.mu.Unlock()
		return ConnectResult{}, ErrAlreadyConnected
	}
	if s.closed {
		s.mu.Unlock()
		return ConnectResult{}, ErrSessionClosed
	}
	s.mu.Unlock()

	helper, err := s.provider.Get(ctx, connection.Params{
		ParticipantToken: s.opts.ParticipantToken,
		Static:           s.opts.Static,
		Minter:           s.opts.Minter,
		ContactID:        s.opts.ContactID,
		InitialContactID: s.opts.InitialContactID,
		Agent:            s.opts.Type == SessionAgent,
		SocketManager:    s.opts.SocketManager,
	})
	if err != nil {
		metrics.ObserveOperation("connect", start, err)
		s.logger.Error("connection setup failed", "error", err)
		s.shutdown()
		return ConnectResult{}, &ConnectError{Reason: "failed to initialize connection", Debug: err}
	}

	s.mu.Lock()
	if s.helper != nil {
		s.mu.Unlock()
		return ConnectResult{}, ErrAlreadyConnected
	}
	s.helper = helper
	s.mu.Unlock()

	helper.OnEnded(s.handleEnded)
	helper.OnConnectionLost(s.handleLost)
	helper.OnConnectionGain(s.handleGain)
	helper.OnMessage(s.handleIncoming)

	err = helper.Start(ctx)
	metrics.ObserveOperation("connect", start, err)
	if err != nil {
		s.logger.Error("connection start failed", "error", err)
		s.shutdown()
		return ConnectResult{}, &ConnectError{Reason: "failed to establish connection", Debug: err}
	}

	if s.opts.Type == SessionAgent {
		s.sendConnectionAck(ctx)
	}
	return ConnectResult{ConnectSuccess: true, ConnectCalled: true, Metadata: metadata}, nil
}

// ConnectionStatus maps the transport state onto the consumer-facing one.
func (s *Session) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	h := s.helper
	s.mu.Unlock()
	if h == nil {
		return StatusNeverEstablished
	}
	switch st := h.Status(); st {
	case connection.StatusNeverStarted:
		return StatusNeverEstablished
	case connection.StatusStarting:
		return StatusEstablishing
	case connection.StatusConnected:
		return StatusEstablished
	case connection.StatusConnectionLost, connection.StatusEnded:
		return StatusBroken
	default:
		s.logger.Error("invalid connection status", "status", st.String())
		return ""
	}
}

// BreakConnection ends the transport without leaving the chat.
func (s *Session) BreakConnection() {
	s.mu.Lock()
	h := s.helper
	s.mu.Unlock()
	if h != nil {
		h.End()
	}
}

// Close ends the transport and releases the session's goroutines. Events
// already queued, CONNECTION_BROKEN included, are still delivered. A closed
// session cannot connect again.
func (s *Session) Close() {
	s.BreakConnection()
	s.shutdown()
}

// Done is closed once the session has delivered its last event.
func (s *Session) Done() <-chan struct{} {
	return s.bus.Stopped()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.receipts.Close()
	s.bus.CloseWhenIdle()
}

// Subscribe registers fn for one event name.
func (s *Session) Subscribe(event string, fn func(Event)) (unsubscribe func()) {
	return s.bus.Subscribe(event, func(_ string, data any) { fn(data.(Event)) })
}

// SubscribeAll registers fn for every event.
func (s *Session) SubscribeAll(fn func(name string, e Event)) (unsubscribe func()) {
	return s.bus.SubscribeAll(func(name string, data any) { fn(name, data.(Event)) })
}

// TranscriptData returns a copy of the local transcript and the token for
// loading older history.
func (s *Session) TranscriptData() ([]wire.Item, string) {
	return s.store.TranscriptData()
}

// ChatDetails describes the chat.
func (s *Session) ChatDetails() ChatDetails {
	d := ChatDetails{
		InitialContactID: s.opts.InitialContactID,
		ContactID:        s.opts.ContactID,
		ParticipantID:    s.opts.ParticipantID,
		ParticipantToken: s.opts.ParticipantToken,
	}
	s.mu.Lock()
	h := s.helper
	s.mu.Unlock()
	if h != nil {
		d.ConnectionDetails = h.ConnectionDetails()
	}
	return d
}

// ParticipantDisconnected reports whether DisconnectParticipant succeeded.
func (s *Session) ParticipantDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantDisconnected
}

// --------------------------------------------------------------------------
// Helper events
// --------------------------------------------------------------------------

func (s *Session) emit(name string, data any) {
	s.bus.TriggerAsync(name, Event{Data: data, ChatDetails: s.ChatDetails()})
}

func (s *Session) handleGain() {
	s.emit(EventConnectionEstablished, nil)
}

func (s *Session) handleLost(e connection.ConnectionLostEvent) {
	s.emit(EventConnectionLost, e)
}

func (s *Session) handleEnded(e connection.EndedEvent) {
	s.emit(EventConnectionBroken, e)
	s.shutdown()
}

// handleIncoming runs every pushed payload through partial stitching and the
// transcript, then classifies it. Anything that is not typing is surfaced as
// an incoming message with its content type untouched.
func (s *Session) handleIncoming(payload []byte) {
	it, err := wire.DecodeItem(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable chat payload", "error", err)
		return
	}

	if transcript.IsPartial(it) && s.cfg.Flags().Enabled(config.FlagPartialMessages) {
		stitched, changed := s.partials.HandleBotPartialMessage(it)
		if !changed {
			return
		}
		it = stitched
	}
	s.store.HandleIncomingItem(it)

	switch it.ContentType {
	case wire.ContentTypeTyping:
		s.emit(EventIncomingTyping, it)
	case wire.ContentTypeChatEnded:
		s.emit(EventIncomingMessage, it)
		s.emit(EventChatEnded, it)
		s.mu.Lock()
		h := s.helper
		s.mu.Unlock()
		// End from a fresh goroutine; this runs on the transport's reader.
		go h.End()
	default:
		s.emit(EventIncomingMessage, it)
	}
}

func (s *Session) sendConnectionAck(ctx context.Context) {
	_, err := s.SendEvent(ctx, SendEventArgs{
		ContentType: wire.ContentTypeConnectionAcknowledged,
		Persistence: wire.PersistenceNonPersisted,
	})
	if err != nil {
		s.logger.Warn("connection acknowledgement failed", "error", err)
	}
}

func (s *Session) sendReceipt(ctx context.Context, contentType, messageID string) error {
	token, err := s.connectionToken()
	if err != nil {
		return err
	}
	content, err := json.Marshal(struct {
		MessageID string `json:"MessageId"`
	}{messageID})
	if err != nil {
		return err
	}
	_, err = s.client.SendEvent(ctx, token, wire.SendEventRequest{
		ContentType: contentType,
		Content:     string(content),
	})
	return err
}

func (s *Session) connectionToken() (string, error) {
	s.mu.Lock()
	h := s.helper
	s.mu.Unlock()
	if h == nil {
		return "", ErrNotConnected
	}
	return h.ConnectionToken(), nil
}
