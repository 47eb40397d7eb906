package chatsession

import (
	"context"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/config"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

const defaultMaxResults = 15

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// SendMessage posts a message. The transcript shows it as SENDING right
// away, then SENT under the server id, or FAILED.
func (s *Session) SendMessage(ctx context.Context, args SendMessageArgs) (Result[*wire.SendResponse], error) {
	start := time.Now()
	contentType := args.ContentType
	if contentType == "" {
		contentType = wire.ContentTypeTextPlain
	}

	token, err := s.connectionToken()
	if err != nil {
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendMessage", Metadata: args.Metadata, Err: err}
	}

	tempID := s.store.HandleSendMessage(args.Message, contentType)
	resp, err := s.client.SendMessage(ctx, token, args.Message, contentType)
	metrics.ObserveOperation("send_message", start, err)
	if err != nil {
		if tempID != "" {
			s.store.HandleSendMessageFailure(tempID)
		}
		s.logger.Warn("send message failed", "error", err)
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendMessage", Metadata: args.Metadata, Err: err}
	}
	if tempID != "" {
		s.store.HandleSendMessageSuccess(tempID, resp.ID, resp.AbsoluteTime)
	}
	return Result[*wire.SendResponse]{Data: resp, Metadata: args.Metadata}, nil
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// SendEvent posts an event. Read and delivered receipts for the first of
// MessageIDs go through the receipt throttler and are dropped while the
// messageReceipts flag is off.
func (s *Session) SendEvent(ctx context.Context, args SendEventArgs) (Result[*wire.SendResponse], error) {
	switch args.ContentType {
	case wire.ContentTypeReadReceipt, wire.ContentTypeDeliveredReceipt:
		return s.sendReceiptEvent(ctx, args)
	}

	start := time.Now()
	token, err := s.connectionToken()
	if err != nil {
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendEvent", Metadata: args.Metadata, Err: err}
	}
	resp, err := s.client.SendEvent(ctx, token, wire.SendEventRequest{
		ContentType: args.ContentType,
		Content:     args.Content,
		EventType:   args.EventType,
		MessageIDs:  args.MessageIDs,
		Visibility:  args.Visibility,
		Persistence: args.Persistence,
	})
	metrics.ObserveOperation("send_event", start, err)
	if err != nil {
		s.logger.Warn("send event failed", "content_type", args.ContentType, "error", err)
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendEvent", Metadata: args.Metadata, Err: err}
	}
	return Result[*wire.SendResponse]{Data: resp, Metadata: args.Metadata}, nil
}

func (s *Session) sendReceiptEvent(ctx context.Context, args SendEventArgs) (Result[*wire.SendResponse], error) {
	if !s.cfg.Flags().Enabled(config.FlagMessageReceipts) {
		return Result[*wire.SendResponse]{Metadata: args.Metadata, Message: ErrReceiptsDisabled.Error()}, nil
	}
	if len(args.MessageIDs) == 0 || args.MessageIDs[0] == "" {
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendEvent", Metadata: args.Metadata, Err: ErrMissingMessageID}
	}

	start := time.Now()
	r, err := s.receipts.PrioritizeAndSend(ctx, args.ContentType, args.MessageIDs[0])
	metrics.ObserveOperation("send_receipt", start, err)
	if err != nil {
		return Result[*wire.SendResponse]{}, &OperationError{Op: "SendEvent", Metadata: args.Metadata, Err: err}
	}
	return Result[*wire.SendResponse]{Metadata: args.Metadata, Message: r.Message}, nil
}

// --------------------------------------------------------------------------
// Transcript
// --------------------------------------------------------------------------

// GetTranscript fetches a page of history and merges it into the local
// transcript.
func (s *Session) GetTranscript(ctx context.Context, args GetTranscriptArgs) (Result[*wire.GetTranscriptResponse], error) {
	start := time.Now()
	req := wire.GetTranscriptRequest{
		ContactID:     s.opts.ContactID,
		MaxResults:    args.MaxResults,
		NextToken:     args.NextToken,
		ScanDirection: args.ScanDirection,
		SortKey:       args.SortKey,
		StartKey:      args.StartKey,
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	if req.ScanDirection == "" {
		req.ScanDirection = wire.ScanBackward
	}
	if req.SortKey == "" {
		req.SortKey = wire.SortAscending
	}

	token, err := s.connectionToken()
	if err != nil {
		return Result[*wire.GetTranscriptResponse]{}, &OperationError{Op: "GetTranscript", Metadata: args.Metadata, Err: err}
	}
	resp, err := s.client.GetTranscript(ctx, token, req)
	metrics.ObserveOperation("get_transcript", start, err)
	if err != nil {
		s.logger.Warn("get transcript failed", "error", err)
		return Result[*wire.GetTranscriptResponse]{}, &OperationError{Op: "GetTranscript", Metadata: args.Metadata, Err: err}
	}

	s.store.HandleGetTranscriptResponse(resp.Transcript, resp.NextToken, req.ScanDirection)
	if s.cfg.Flags().Enabled(config.FlagPartialMessages) {
		if ids := s.partials.Rehydrate(resp.Transcript); len(ids) > 0 {
			s.logger.Debug("collapsed streamed messages from history", "ids", ids)
		}
	}
	return Result[*wire.GetTranscriptResponse]{Data: resp, Metadata: args.Metadata}, nil
}

// --------------------------------------------------------------------------
// Disconnect
// --------------------------------------------------------------------------

// DisconnectParticipant leaves the chat and ends the connection.
func (s *Session) DisconnectParticipant(ctx context.Context, metadata any) (Result[struct{}], error) {
	start := time.Now()
	token, err := s.connectionToken()
	if err != nil {
		return Result[struct{}]{}, &OperationError{Op: "DisconnectParticipant", Metadata: metadata, Err: err}
	}
	err = s.client.DisconnectParticipant(ctx, token)
	metrics.ObserveOperation("disconnect_participant", start, err)
	if err != nil {
		return Result[struct{}]{}, &OperationError{Op: "DisconnectParticipant", Metadata: metadata, Err: err}
	}

	s.mu.Lock()
	s.participantDisconnected = true
	s.mu.Unlock()
	s.BreakConnection()
	return Result[struct{}]{Metadata: metadata}, nil
}
