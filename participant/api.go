// Package participant is the REST binding of the chat participant service.
package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// Endpoint paths.
const (
	PathConnection        = "/participant/connection"
	PathMessage           = "/participant/message"
	PathEvent             = "/participant/event"
	PathTranscript        = "/participant/transcript"
	PathDisconnect        = "/participant/disconnect"
	PathConnectionDetails = "/contact/chat/participant/connection-details"
)

// authHeader carries the participant or connection token.
const authHeader = "X-Amz-Bearer"

var tracer = otel.Tracer("chatsession/participant")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("participant service returned %d for %s: %s", e.StatusCode, e.Path, e.Body)
}

// Client talks to the participant service. It holds no per-chat state; every
// call takes the token it authenticates with.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for endpoint, e.g.
// https://participant.connect.us-west-2.amazonaws.com.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("participant endpoint not configured")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// --------------------------------------------------------------------------
// Connection setup
// --------------------------------------------------------------------------

// CreateParticipantConnection exchanges a participant token for a websocket
// URL and a connection token in one call.
func (c *Client) CreateParticipantConnection(ctx context.Context, participantToken string, types []string) (*wire.CreateParticipantConnectionResponse, error) {
	if len(types) == 0 {
		types = []string{wire.ConnectionTypeWebsocket, wire.ConnectionTypeCredentials}
	}
	var resp wire.CreateParticipantConnectionResponse
	req := wire.CreateParticipantConnectionRequest{Type: types, ConnectParticipant: true}
	if err := c.doJSON(ctx, "CreateParticipantConnection", PathConnection, participantToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateConnectionDetails is the legacy call that returns the MQTT
// connection id alongside a presigned URL.
func (c *Client) CreateConnectionDetails(ctx context.Context, participantToken string) (*wire.CreateConnectionDetailsResponse, error) {
	var resp wire.CreateConnectionDetailsResponse
	req := wire.CreateConnectionDetailsRequest{ParticipantToken: participantToken}
	if err := c.doJSON(ctx, "CreateConnectionDetails", PathConnectionDetails, "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --------------------------------------------------------------------------
// Chat operations
// --------------------------------------------------------------------------

// SendMessage posts a message.
func (c *Client) SendMessage(ctx context.Context, connectionToken, content, contentType string) (*wire.SendResponse, error) {
	var resp wire.SendResponse
	req := wire.SendMessageRequest{ContentType: contentType, Content: content, ClientToken: uuid.NewString()}
	if err := c.doJSON(ctx, "SendMessage", PathMessage, connectionToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendEvent posts an event such as typing or a receipt.
func (c *Client) SendEvent(ctx context.Context, connectionToken string, req wire.SendEventRequest) (*wire.SendResponse, error) {
	if req.ClientToken == "" {
		req.ClientToken = uuid.NewString()
	}
	var resp wire.SendResponse
	if err := c.doJSON(ctx, "SendEvent", PathEvent, connectionToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTranscript fetches one page of history.
func (c *Client) GetTranscript(ctx context.Context, connectionToken string, req wire.GetTranscriptRequest) (*wire.GetTranscriptResponse, error) {
	var resp wire.GetTranscriptResponse
	if err := c.doJSON(ctx, "GetTranscript", PathTranscript, connectionToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DisconnectParticipant ends the participant's side of the chat.
func (c *Client) DisconnectParticipant(ctx context.Context, connectionToken string) error {
	req := wire.DisconnectRequest{ClientToken: uuid.NewString()}
	return c.doJSON(ctx, "DisconnectParticipant", PathDisconnect, connectionToken, req, nil)
}

// --------------------------------------------------------------------------
// Plumbing
// --------------------------------------------------------------------------

// doJSON posts reqBody to path and decodes the JSON response into dest.
func (c *Client) doJSON(ctx context.Context, op, path, token string, reqBody, dest any) (err error) {
	ctx, span := tracer.Start(ctx, "participant."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Path: path, Body: string(body)}
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
