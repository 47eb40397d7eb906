package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// ConnectionAPI is the part of the participant service the provider calls.
type ConnectionAPI interface {
	CreateParticipantConnection(ctx context.Context, participantToken string, types []string) (*wire.CreateParticipantConnectionResponse, error)
	CreateConnectionDetails(ctx context.Context, participantToken string) (*wire.CreateConnectionDetailsResponse, error)
}

// TokenMinter mints a connection token without a participant token.
type TokenMinter func(ctx context.Context) (token string, expiry time.Time, err error)

// Details addresses the transport. It is replaced wholesale on refresh.
type Details struct {
	ConnectionID           string
	PreSignedConnectionURL string
	URLExpiry              time.Time
}

// StaticDetails are caller-supplied details used instead of a fetch.
type StaticDetails struct {
	ConnectionID           string
	PreSignedConnectionURL string
	ConnectionToken        string
	ConnectionTokenExpiry  time.Time
}

// StaticFromConnectionDetails normalises a legacy connection-details response.
func StaticFromConnectionDetails(r *wire.CreateConnectionDetailsResponse) *StaticDetails {
	return &StaticDetails{
		ConnectionID:           r.ConnectionID,
		PreSignedConnectionURL: r.PreSignedConnectionURL,
		ConnectionToken:        r.ParticipantCredentials.ConnectionAuthenticationToken,
		ConnectionTokenExpiry:  parseExpiry(r.ParticipantCredentials.Expiry),
	}
}

// StaticFromParticipantConnection normalises a create-participant-connection response.
func StaticFromParticipantConnection(r *wire.CreateParticipantConnectionResponse) *StaticDetails {
	s := &StaticDetails{}
	if r.Websocket != nil {
		s.PreSignedConnectionURL = r.Websocket.URL
	}
	if r.ConnectionCredentials != nil {
		s.ConnectionToken = r.ConnectionCredentials.ConnectionToken
		s.ConnectionTokenExpiry = parseExpiry(r.ConnectionCredentials.Expiry)
	}
	return s
}

// DetailsOptions configures a DetailsProvider. One of ParticipantToken,
// Static or Minter is required.
type DetailsOptions struct {
	ParticipantToken string
	Static           *StaticDetails
	Minter           TokenMinter
	API              ConnectionAPI
	Logger           logging.Logger
}

// DetailsProvider obtains and caches connection credentials.
//
// The first FetchConnectionDetails and the first FetchConnectionToken after
// Init return what Init fetched. Later calls fetch again. Concurrent fetches
// share one request.
type DetailsProvider struct {
	opts   DetailsOptions
	logger logging.Logger
	sf     singleflight.Group

	mu          sync.Mutex
	initialized bool
	detailsFree bool
	tokenFree   bool
	details     Details
	token       string
	tokenExpiry time.Time
	connType    Type
}

// NewDetailsProvider creates a provider. Init must be called before use.
func NewDetailsProvider(opts DetailsOptions) *DetailsProvider {
	return &DetailsProvider{
		opts:   opts,
		logger: logging.With(logging.OrDefault(opts.Logger), "component", "details"),
	}
}

// Init populates the provider and classifies the transport. It may be
// called once.
func (p *DetailsProvider) Init(ctx context.Context) (Details, error) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return Details{}, ErrAlreadyInitialized
	}
	p.initialized = true
	p.mu.Unlock()

	switch {
	case p.opts.ParticipantToken == "" && p.opts.Static != nil:
		s := p.opts.Static
		p.store(Details{
			ConnectionID:           s.ConnectionID,
			PreSignedConnectionURL: s.PreSignedConnectionURL,
		}, s.ConnectionToken, s.ConnectionTokenExpiry)
	case p.opts.ParticipantToken != "" || p.opts.Minter != nil:
		if _, err := p.fetch(ctx); err != nil {
			return Details{}, err
		}
	default:
		return Details{}, ErrIllegalArgument
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailsFree, p.tokenFree = true, true
	return p.details, nil
}

// FetchConnectionDetails returns current details, fetching fresh ones on
// every call after the first.
func (p *DetailsProvider) FetchConnectionDetails(ctx context.Context) (Details, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return Details{}, ErrNotInitialized
	}
	if p.detailsFree {
		p.detailsFree = false
		d := p.details
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	if p.opts.ParticipantToken == "" && p.opts.Minter == nil {
		return Details{}, ErrStaticDetails
	}
	return p.fetch(ctx)
}

// FetchConnectionToken is FetchConnectionDetails for the token.
func (p *DetailsProvider) FetchConnectionToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return "", ErrNotInitialized
	}
	if p.tokenFree {
		p.tokenFree = false
		t := p.token
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	if p.opts.ParticipantToken == "" && p.opts.Minter == nil {
		return "", ErrStaticDetails
	}
	if _, err := p.fetch(ctx); err != nil {
		return "", err
	}
	return p.ConnectionToken(), nil
}

// ConnectionToken returns the cached token.
func (p *DetailsProvider) ConnectionToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// ConnectionTokenExpiry returns the cached token expiry, zero when unknown.
func (p *DetailsProvider) ConnectionTokenExpiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenExpiry
}

// ConnectionDetails returns the cached details.
func (p *DetailsProvider) ConnectionDetails() Details {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.details
}

// ConnectionType returns the transport decided by the first classification.
func (p *DetailsProvider) ConnectionType() Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connType
}

func (p *DetailsProvider) fetch(ctx context.Context) (Details, error) {
	v, err, _ := p.sf.Do("fetch", func() (any, error) {
		d, token, expiry, err := p.fetchOnce(ctx)
		if err != nil {
			return nil, err
		}
		p.store(d, token, expiry)
		return d, nil
	})
	if err != nil {
		return Details{}, err
	}
	return v.(Details), nil
}

func (p *DetailsProvider) fetchOnce(ctx context.Context) (Details, string, time.Time, error) {
	if p.opts.ParticipantToken == "" {
		token, expiry, err := p.opts.Minter(ctx)
		if err != nil {
			return Details{}, "", time.Time{}, fmt.Errorf("mint connection token: %w", err)
		}
		p.logger.Debug("minted connection token", "expiry", expiry)
		return p.ConnectionDetails(), token, expiry, nil
	}
	if p.opts.API == nil {
		return Details{}, "", time.Time{}, fmt.Errorf("%w: no participant API", ErrIllegalArgument)
	}

	resp, err := p.opts.API.CreateParticipantConnection(ctx, p.opts.ParticipantToken, nil)
	if err != nil {
		return Details{}, "", time.Time{}, fmt.Errorf("create participant connection: %w", err)
	}
	s := StaticFromParticipantConnection(resp)
	d := Details{PreSignedConnectionURL: s.PreSignedConnectionURL}
	if resp.Websocket != nil {
		d.URLExpiry = parseExpiry(resp.Websocket.ConnectionExpiry)
	}

	if IsIotURL(d.PreSignedConnectionURL) {
		legacy, err := p.opts.API.CreateConnectionDetails(ctx, p.opts.ParticipantToken)
		if err != nil {
			return Details{}, "", time.Time{}, fmt.Errorf("create connection details: %w", err)
		}
		d.ConnectionID = legacy.ConnectionID
		if legacy.PreSignedConnectionURL != "" {
			d.PreSignedConnectionURL = legacy.PreSignedConnectionURL
		}
		if s.ConnectionToken == "" {
			s.ConnectionToken = legacy.ParticipantCredentials.ConnectionAuthenticationToken
			s.ConnectionTokenExpiry = parseExpiry(legacy.ParticipantCredentials.Expiry)
		}
	}
	p.logger.Debug("fetched connection details", "iot", d.ConnectionID != "", "token_expiry", s.ConnectionTokenExpiry)
	return d, s.ConnectionToken, s.ConnectionTokenExpiry, nil
}

func (p *DetailsProvider) store(d Details, token string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.details = d
	p.token = token
	p.tokenExpiry = expiry
	if p.connType == TypeUnknown {
		p.connType = Classify(d)
		p.logger.Info("classified connection", "type", p.connType.String())
	}
}

func parseExpiry(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
