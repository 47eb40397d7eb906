package connection

import (
	"context"
	"fmt"

	"github.com/NeboLoop/chatsession-go-sdk/config"
	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wsmanager"
)

// ProviderOptions are process-wide collaborators shared by every helper.
type ProviderOptions struct {
	Config   *config.Config
	API      ConnectionAPI
	Logger   logging.Logger
	Network  NetworkMonitor
	Registry *Registry
	MQTT     MQTTFactory
}

// Params describe one chat.
type Params struct {
	ParticipantToken string
	Static           *StaticDetails
	Minter           TokenMinter

	ContactID        string
	InitialContactID string
	Agent            bool

	// SocketManager is a caller-owned shared websocket for managed chats.
	SocketManager SocketManager
}

// Provider builds the helper that matches a chat's transport.
type Provider struct {
	opts ProviderOptions
}

// NewProvider fills unset options with defaults. Without a Registry, managed
// sockets are built from the configuration's heartbeat and retry settings.
func NewProvider(opts ProviderOptions) *Provider {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.Network == nil {
		opts.Network = NewStaticNetwork(true)
	}
	if opts.Registry == nil {
		cfg, logger := opts.Config, opts.Logger
		opts.Registry = NewRegistry(func() SocketManager {
			return wsmanager.New(wsmanager.Config{
				MaxInitAttempts:    cfg.MaxRetries,
				BaseDelay:          cfg.RetryInterval,
				HeartbeatInterval:  cfg.HeartbeatInterval,
				HeartbeatMissLimit: cfg.HeartbeatMissLimit,
				ExpiryBuffer:       cfg.TokenRefreshBuffer,
				Logger:             logger,
			})
		})
	}
	return &Provider{opts: opts}
}

// Registry returns the shared socket registry.
func (p *Provider) Registry() *Registry { return p.opts.Registry }

// Get initializes the chat's details and returns an unstarted helper.
func (p *Provider) Get(ctx context.Context, params Params) (Helper, error) {
	details := NewDetailsProvider(DetailsOptions{
		ParticipantToken: params.ParticipantToken,
		Static:           params.Static,
		Minter:           params.Minter,
		API:              p.opts.API,
		Logger:           p.opts.Logger,
	})
	if _, err := details.Init(ctx); err != nil {
		return nil, fmt.Errorf("init connection details: %w", err)
	}

	hopts := HelperOptions{
		Config:  p.opts.Config,
		Details: details,
		Network: p.opts.Network,
		Logger:  logging.With(p.opts.Logger, "contact_id", params.ContactID),
	}
	switch t := details.ConnectionType(); t {
	case TypeIOT:
		h, err := NewIotHelper(hopts, p.opts.MQTT)
		if err != nil {
			return nil, err
		}
		return h, nil
	case TypeLPC:
		key := params.ContactID
		if params.Agent {
			key = AgentKey
		}
		h, err := NewManagedHelper(hopts, ManagedOptions{
			Registry:         p.opts.Registry,
			Key:              key,
			InitialContactID: params.InitialContactID,
			External:         params.SocketManager,
		})
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: unclassified connection type %s", ErrIllegalArgument, t)
	}
}
