package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

const (
	iotURL = "wss://a1b2c3-ats.iot.us-west-2.amazonaws.com/mqtt?X-Amz-Signature=x"
	lpcURL = "wss://participant.connect.us-west-2.amazonaws.com/connect?token=x"
)

type fakeAPI struct {
	url         string
	err         error
	connections atomic.Int32
	details     atomic.Int32
}

func (f *fakeAPI) CreateParticipantConnection(_ context.Context, token string, _ []string) (*wire.CreateParticipantConnectionResponse, error) {
	n := f.connections.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &wire.CreateParticipantConnectionResponse{
		Websocket: &wire.Websocket{URL: f.url, ConnectionExpiry: "2030-01-01T00:00:00Z"},
		ConnectionCredentials: &wire.ConnectionCredentials{
			ConnectionToken: token + "-conn-" + string(rune('0'+n)),
			Expiry:          "2030-01-01T00:00:00.000Z",
		},
	}, nil
}

func (f *fakeAPI) CreateConnectionDetails(_ context.Context, token string) (*wire.CreateConnectionDetailsResponse, error) {
	f.details.Add(1)
	return &wire.CreateConnectionDetailsResponse{
		ConnectionID:           "conn-id-1",
		PreSignedConnectionURL: f.url,
		ParticipantCredentials: wire.ParticipantCredentials{ConnectionAuthenticationToken: "legacy-" + token},
	}, nil
}

func TestDetailsProvider_ClassifiesIot(t *testing.T) {
	api := &fakeAPI{url: iotURL}
	p := NewDetailsProvider(DetailsOptions{ParticipantToken: "pt", API: api, Logger: logging.Nop()})

	d, err := p.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeIOT, p.ConnectionType())
	assert.Equal(t, "conn-id-1", d.ConnectionID)
	assert.Equal(t, int32(1), api.details.Load())
	assert.Equal(t, "pt-conn-1", p.ConnectionToken())
	assert.Equal(t, 2030, p.ConnectionTokenExpiry().Year())
}

func TestDetailsProvider_ClassifiesLPC(t *testing.T) {
	api := &fakeAPI{url: lpcURL}
	p := NewDetailsProvider(DetailsOptions{ParticipantToken: "pt", API: api, Logger: logging.Nop()})

	d, err := p.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeLPC, p.ConnectionType())
	assert.Empty(t, d.ConnectionID)
	assert.Equal(t, lpcURL, d.PreSignedConnectionURL)
	assert.False(t, d.URLExpiry.IsZero())
	assert.Zero(t, api.details.Load())
}

func TestDetailsProvider_FirstFetchIsFree(t *testing.T) {
	api := &fakeAPI{url: lpcURL}
	p := NewDetailsProvider(DetailsOptions{ParticipantToken: "pt", API: api, Logger: logging.Nop()})
	ctx := context.Background()

	_, err := p.FetchConnectionDetails(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = p.Init(ctx)
	require.NoError(t, err)
	_, err = p.Init(ctx)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	_, err = p.FetchConnectionDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.connections.Load())

	_, err = p.FetchConnectionDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.connections.Load())

	token, err := p.FetchConnectionToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pt-conn-2", token, "first token fetch returns the cached token")
	token, err = p.FetchConnectionToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pt-conn-3", token)
}

func TestDetailsProvider_StaticDetails(t *testing.T) {
	p := NewDetailsProvider(DetailsOptions{
		Static: &StaticDetails{
			ConnectionID:           "cid",
			PreSignedConnectionURL: iotURL,
			ConnectionToken:        "tok",
			ConnectionTokenExpiry:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Logger: logging.Nop(),
	})
	ctx := context.Background()

	d, err := p.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cid", d.ConnectionID)
	assert.Equal(t, TypeIOT, p.ConnectionType())

	_, err = p.FetchConnectionDetails(ctx)
	require.NoError(t, err)
	_, err = p.FetchConnectionDetails(ctx)
	assert.ErrorIs(t, err, ErrStaticDetails)

	token, err := p.FetchConnectionToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	_, err = p.FetchConnectionToken(ctx)
	assert.ErrorIs(t, err, ErrStaticDetails)
}

func TestDetailsProvider_Minter(t *testing.T) {
	var minted atomic.Int32
	p := NewDetailsProvider(DetailsOptions{
		Minter: func(context.Context) (string, time.Time, error) {
			minted.Add(1)
			return "minted", time.Now().Add(time.Hour), nil
		},
		Logger: logging.Nop(),
	})

	_, err := p.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeLPC, p.ConnectionType())
	assert.Equal(t, "minted", p.ConnectionToken())
	assert.Equal(t, int32(1), minted.Load())
}

func TestDetailsProvider_Errors(t *testing.T) {
	_, err := NewDetailsProvider(DetailsOptions{Logger: logging.Nop()}).Init(context.Background())
	assert.ErrorIs(t, err, ErrIllegalArgument)

	boom := errors.New("403")
	_, err = NewDetailsProvider(DetailsOptions{
		ParticipantToken: "pt",
		API:              &fakeAPI{err: boom},
		Logger:           logging.Nop(),
	}).Init(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStaticFromConnectionDetails(t *testing.T) {
	s := StaticFromConnectionDetails(&wire.CreateConnectionDetailsResponse{
		ConnectionID:           "cid",
		PreSignedConnectionURL: iotURL,
		ParticipantCredentials: wire.ParticipantCredentials{
			ConnectionAuthenticationToken: "tok",
			Expiry:                        "2030-01-01T00:00:00Z",
		},
	})
	assert.Equal(t, "cid", s.ConnectionID)
	assert.Equal(t, "tok", s.ConnectionToken)
	assert.Equal(t, 2030, s.ConnectionTokenExpiry.Year())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, TypeIOT, Classify(Details{PreSignedConnectionURL: iotURL}))
	assert.Equal(t, TypeIOT, Classify(Details{ConnectionID: "cid"}))
	assert.Equal(t, TypeLPC, Classify(Details{PreSignedConnectionURL: lpcURL}))
	assert.Equal(t, "LPC", TypeLPC.String())
}
