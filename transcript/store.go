// Package transcript keeps the local, ordered view of one chat's messages
// and events.
//
// Store reconciles four sources: messages this client sends, items the
// backend pushes, history pages, and read/delivered receipts. The ordering
// rule is append-mostly with prepend for older history; items are never
// re-sorted after insertion.
//
// Every handler recovers from panics and logs them. A malformed item costs
// that item only.
package transcript

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// timestampLayout matches the millisecond ISO-8601 form the backend uses.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Store is safe for concurrent use.
type Store struct {
	logger logging.Logger
	newID  func() string
	now    func() time.Time

	mu   sync.Mutex
	byID map[string]wire.Item
	// Ordered ids are head reversed followed by tail, so both prepend and
	// append are amortised O(1).
	head       []string
	tail       []string
	tempToReal map[string]string
	nextToken  string
}

// NewStore returns an empty transcript.
func NewStore(logger logging.Logger) *Store {
	return &Store{
		logger:     logging.With(logging.OrDefault(logger), "component", "transcript"),
		newID:      uuid.NewString,
		now:        time.Now,
		byID:       make(map[string]wire.Item),
		tempToReal: make(map[string]string),
	}
}

// HandleSendMessage records an outgoing message before the backend has
// confirmed it and returns its temporary id, or "" if the entry could not be
// created.
func (s *Store) HandleSendMessage(content, contentType string) (tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleSendMessage", func() { tempID = "" })

	id := s.newID()
	it := wire.Item{
		ID:              id,
		Type:            wire.TypeMessage,
		Content:         content,
		ContentType:     contentType,
		ParticipantRole: wire.RoleCustomer,
		AbsoluteTime:    "",
		MessageMetadata: &wire.MessageMetadata{MessageID: id, Status: wire.StatusSending},
	}
	s.addOrUpdate(it)
	return id
}

// HandleSendMessageSuccess reconciles the temporary entry with the id the
// backend assigned. If the backend already pushed realID, the temporary
// entry is dropped. Otherwise it is relabelled in place and marked SENT.
func (s *Store) HandleSendMessageSuccess(tempID, realID, absoluteTime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleSendMessageSuccess", nil)

	s.tempToReal[tempID] = realID

	if _, dup := s.byID[realID]; dup {
		s.remove(tempID)
		return
	}

	it, ok := s.byID[tempID]
	if !ok {
		s.logger.Warn("send success for unknown message", "temp_id", tempID, "id", realID)
		return
	}
	delete(s.byID, tempID)
	it.ID = realID
	it.SetStatus(wire.StatusSent)
	it.MessageMetadata.MessageID = realID
	if absoluteTime != "" {
		it.AbsoluteTime = absoluteTime
	}
	s.byID[realID] = it
	s.relabel(tempID, realID)
}

// HandleSendMessageFailure marks the temporary entry FAILED and stamps it
// with the local time.
func (s *Store) HandleSendMessageFailure(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleSendMessageFailure", nil)

	it, ok := s.byID[tempID]
	if !ok {
		s.logger.Warn("send failure for unknown message", "temp_id", tempID)
		return
	}
	it.SetStatus(wire.StatusFailed)
	it.AbsoluteTime = s.now().UTC().Format(timestampLayout)
	s.byID[tempID] = it
}

// HandleIncomingItem merges an item pushed by the backend. Items without an
// id are dropped and MESSAGE_METADATA items only update receipts.
func (s *Store) HandleIncomingItem(it wire.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleIncomingItem", nil)

	s.handleIncoming(it)
}

// HandleGetTranscriptResponse merges a history page item by item, in the
// order received, exactly as HandleIncomingItem would. nextToken is kept as
// the "load older" cursor only for BACKWARD scans.
func (s *Store) HandleGetTranscriptResponse(items []wire.Item, nextToken, scanDirection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleGetTranscriptResponse", nil)

	if scanDirection == wire.ScanBackward {
		s.nextToken = nextToken
	}
	for _, it := range items {
		s.handleIncoming(it)
	}
}

// HandleMessageReceipt applies one receipt to the MESSAGE it references.
// A read timestamp wins over a delivered timestamp and a READ message is
// never moved back to DELIVERED.
func (s *Store) HandleMessageReceipt(messageID string, r wire.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleMessageReceipt", nil)

	s.applyReceipt(messageID, r)
}

// HandleMessageMetadata applies every receipt carried by a MESSAGE_METADATA item.
func (s *Store) HandleMessageMetadata(it wire.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("HandleMessageMetadata", nil)

	s.applyMetadata(it)
}

// AddOrUpdate inserts or replaces it. See the package doc for ordering.
func (s *Store) AddOrUpdate(it wire.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("AddOrUpdate", nil)

	s.addOrUpdate(it.Clone())
}

// TranscriptData returns a copy of the ordered transcript and the backward
// pagination token.
func (s *Store) TranscriptData() ([]wire.Item, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Item, 0, len(s.head)+len(s.tail))
	for i := len(s.head) - 1; i >= 0; i-- {
		out = append(out, s.byID[s.head[i]].Clone())
	}
	for _, id := range s.tail {
		out = append(out, s.byID[id].Clone())
	}
	return out, s.nextToken
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (wire.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return wire.Item{}, false
	}
	return it.Clone(), true
}

// RealID returns the backend id a temporary id was reconciled to.
func (s *Store) RealID(tempID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tempToReal[tempID]
	return id, ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// --------------------------------------------------------------------------
// Internal, caller holds mu.
// --------------------------------------------------------------------------

func (s *Store) handleIncoming(it wire.Item) {
	if it.ID == "" {
		s.logger.Debug("dropping item without id", "type", it.Type)
		metrics.IncomingItems.WithLabelValues("dropped").Inc()
		return
	}
	if it.Type == wire.TypeMessageMetadata {
		s.applyMetadata(it)
		metrics.IncomingItems.WithLabelValues("metadata").Inc()
		return
	}
	it = it.Clone()
	if it.Debug == "" {
		if raw, err := jsonString(it); err == nil {
			it.Debug = raw
		}
	}
	s.addOrUpdate(it)
	metrics.IncomingItems.WithLabelValues("transcript").Inc()
}

func (s *Store) applyMetadata(it wire.Item) {
	md := it.MessageMetadata
	if md == nil || md.MessageID == "" {
		return
	}
	for _, r := range md.Receipts {
		s.applyReceipt(md.MessageID, r)
	}
}

func (s *Store) applyReceipt(messageID string, r wire.Receipt) {
	var status wire.MessageStatus
	switch {
	case r.ReadTimestamp != "":
		status = wire.StatusRead
	case r.DeliveredTimestamp != "":
		status = wire.StatusDelivered
	default:
		return
	}

	it, ok := s.byID[messageID]
	if !ok || it.Type != wire.TypeMessage {
		return
	}
	if it.Status() == wire.StatusRead {
		return
	}
	it.SetStatus(status)
	s.byID[messageID] = it
}

func (s *Store) addOrUpdate(it wire.Item) {
	if prev, ok := s.byID[it.ID]; ok {
		if it.Status() == "" && prev.Status() != "" {
			it.SetStatus(prev.Status())
		}
		s.byID[it.ID] = it
		return
	}

	s.byID[it.ID] = it
	if it.Status() != wire.StatusSending && s.beforeFirst(it) {
		s.head = append(s.head, it.ID)
		return
	}
	s.tail = append(s.tail, it.ID)
}

// beforeFirst reports whether it is strictly earlier than the current first
// entry. Unparseable timestamps compare as not earlier.
func (s *Store) beforeFirst(it wire.Item) bool {
	var firstID string
	switch {
	case len(s.head) > 0:
		firstID = s.head[len(s.head)-1]
	case len(s.tail) > 0:
		firstID = s.tail[0]
	default:
		return false
	}

	t, err := parseTime(it.AbsoluteTime)
	if err != nil {
		return false
	}
	first, err := parseTime(s.byID[firstID].AbsoluteTime)
	if err != nil {
		return false
	}
	return t.Before(first)
}

func (s *Store) remove(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	if i := slices.Index(s.head, id); i >= 0 {
		s.head = slices.Delete(s.head, i, i+1)
		return
	}
	if i := slices.Index(s.tail, id); i >= 0 {
		s.tail = slices.Delete(s.tail, i, i+1)
	}
}

func (s *Store) relabel(from, to string) {
	if i := slices.Index(s.tail, from); i >= 0 {
		s.tail[i] = to
		return
	}
	if i := slices.Index(s.head, from); i >= 0 {
		s.head[i] = to
	}
}

// guard recovers a panicking handler. onPanic, when set, adjusts the
// handler's results.
func (s *Store) guard(op string, onPanic func()) {
	if r := recover(); r != nil {
		s.logger.Error("transcript handler failed", "op", op, "panic", fmt.Sprint(r))
		if onPanic != nil {
			onPanic()
		}
	}
}

func jsonString(it wire.Item) (string, error) {
	b, err := json.Marshal(it)
	return string(b), err
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
