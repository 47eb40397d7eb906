package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

func newTestStore() *Store {
	s := NewStore(logging.Nop())
	n := 0
	s.newID = func() string {
		n++
		return "temp-" + string(rune('0'+n))
	}
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func msg(id, at string) wire.Item {
	return wire.Item{ID: id, AbsoluteTime: at, Type: wire.TypeMessage, Content: id, ParticipantRole: wire.RoleAgent}
}

func ids(items []wire.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSendMessage_SuccessRelabelsInPlace(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdate(msg("a", "2024-05-01T10:00:00.000Z"))

	tempID := s.HandleSendMessage("hi", wire.ContentTypeTextPlain)
	require.NotEmpty(t, tempID)

	it, ok := s.Get(tempID)
	require.True(t, ok)
	assert.Equal(t, wire.StatusSending, it.Status())
	assert.Empty(t, it.AbsoluteTime)
	assert.Equal(t, wire.RoleCustomer, it.ParticipantRole)

	s.HandleSendMessageSuccess(tempID, "real-1", "2024-05-01T10:00:01.000Z")

	items, _ := s.TranscriptData()
	assert.Equal(t, []string{"a", "real-1"}, ids(items))
	assert.Equal(t, wire.StatusSent, items[1].Status())
	_, ok = s.Get(tempID)
	assert.False(t, ok)

	real, ok := s.RealID(tempID)
	require.True(t, ok)
	assert.Equal(t, "real-1", real)
}

func TestSendMessage_PushBeforeSuccessKeepsOneEntry(t *testing.T) {
	s := newTestStore()
	tempID := s.HandleSendMessage("hi", wire.ContentTypeTextPlain)

	s.HandleIncomingItem(msg("real-1", "2024-05-01T10:00:01.000Z"))
	s.HandleSendMessageSuccess(tempID, "real-1", "")

	items, _ := s.TranscriptData()
	assert.Equal(t, []string{"real-1"}, ids(items))
}

func TestSendMessage_Failure(t *testing.T) {
	s := newTestStore()
	tempID := s.HandleSendMessage("hi", wire.ContentTypeTextPlain)

	s.HandleSendMessageFailure(tempID)

	it, ok := s.Get(tempID)
	require.True(t, ok)
	assert.Equal(t, wire.StatusFailed, it.Status())
	assert.Equal(t, "2024-05-01T12:00:00.000Z", it.AbsoluteTime)
}

func TestSendMessage_PanicReturnsEmptyID(t *testing.T) {
	s := newTestStore()
	s.newID = func() string { panic("entropy exhausted") }

	assert.Empty(t, s.HandleSendMessage("hi", wire.ContentTypeTextPlain))
	assert.Equal(t, 0, s.Len())
}

func TestAddOrUpdate_Ordering(t *testing.T) {
	s := newTestStore()

	s.AddOrUpdate(msg("A", "2024-05-01T10:00:00.000Z"))
	s.AddOrUpdate(msg("B", "2024-05-01T09:00:00.000Z"))
	tempID := s.HandleSendMessage("pending", wire.ContentTypeTextPlain)
	s.AddOrUpdate(msg("C", "2024-05-01T11:00:00.000Z"))

	items, _ := s.TranscriptData()
	assert.Equal(t, []string{"B", "A", tempID, "C"}, ids(items))
}

func TestAddOrUpdate_ReplaceKeepsPositionAndStatus(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdate(msg("A", "2024-05-01T10:00:00.000Z"))
	s.AddOrUpdate(msg("B", "2024-05-01T10:01:00.000Z"))
	s.HandleMessageReceipt("A", wire.Receipt{DeliveredTimestamp: "2024-05-01T10:02:00.000Z"})

	updated := msg("A", "2024-05-01T10:00:00.000Z")
	updated.Content = "edited"
	s.AddOrUpdate(updated)

	items, _ := s.TranscriptData()
	require.Equal(t, []string{"A", "B"}, ids(items))
	assert.Equal(t, "edited", items[0].Content)
	assert.Equal(t, wire.StatusDelivered, items[0].Status())
}

func TestAddOrUpdate_UnparseableTimeAppends(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdate(msg("A", "2024-05-01T10:00:00.000Z"))
	s.AddOrUpdate(msg("B", "yesterday"))

	items, _ := s.TranscriptData()
	assert.Equal(t, []string{"A", "B"}, ids(items))
}

func TestHandleIncomingItem(t *testing.T) {
	s := newTestStore()

	s.HandleIncomingItem(wire.Item{Type: wire.TypeMessage, Content: "no id"})
	assert.Equal(t, 0, s.Len())

	s.HandleIncomingItem(msg("m1", "2024-05-01T10:00:00.000Z"))
	s.HandleIncomingItem(wire.Item{
		ID:   "meta-1",
		Type: wire.TypeMessageMetadata,
		MessageMetadata: &wire.MessageMetadata{
			MessageID: "m1",
			Receipts:  []wire.Receipt{{ReadTimestamp: "2024-05-01T10:05:00.000Z"}},
		},
	})

	items, _ := s.TranscriptData()
	require.Equal(t, []string{"m1"}, ids(items), "metadata items stay out of the transcript")
	assert.Equal(t, wire.StatusRead, items[0].Status())
	assert.Contains(t, items[0].Debug, `"Id":"m1"`)
}

func TestHandleMessageReceipt(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdate(msg("m1", "2024-05-01T10:00:00.000Z"))
	s.AddOrUpdate(wire.Item{ID: "e1", Type: wire.TypeEvent, AbsoluteTime: "2024-05-01T10:00:01.000Z"})

	s.HandleMessageReceipt("m1", wire.Receipt{
		DeliveredTimestamp: "2024-05-01T10:01:00.000Z",
		ReadTimestamp:      "2024-05-01T10:02:00.000Z",
	})
	it, _ := s.Get("m1")
	assert.Equal(t, wire.StatusRead, it.Status())

	s.HandleMessageReceipt("m1", wire.Receipt{DeliveredTimestamp: "2024-05-01T10:03:00.000Z"})
	it, _ = s.Get("m1")
	assert.Equal(t, wire.StatusRead, it.Status(), "READ is never downgraded")

	s.HandleMessageReceipt("e1", wire.Receipt{ReadTimestamp: "2024-05-01T10:02:00.000Z"})
	ev, _ := s.Get("e1")
	assert.Empty(t, ev.Status(), "receipts only apply to messages")

	s.HandleMessageReceipt("missing", wire.Receipt{ReadTimestamp: "x"})
	assert.Equal(t, 2, s.Len())
}

func TestHandleGetTranscriptResponse_Backward(t *testing.T) {
	s := newTestStore()
	s.HandleIncomingItem(msg("live", "2024-05-01T12:00:00.000Z"))

	page := []wire.Item{
		msg("h1", "2024-05-01T09:00:00.000Z"),
		msg("h2", "2024-05-01T10:00:00.000Z"),
		msg("h3", "2024-05-01T11:00:00.000Z"),
	}
	s.HandleGetTranscriptResponse(page, "older", wire.ScanBackward)

	items, token := s.TranscriptData()
	// Only h1 is earlier than the first entry when it arrives; h2 and h3
	// are appended, as they would be one by one.
	assert.Equal(t, []string{"h1", "live", "h2", "h3"}, ids(items))
	assert.Equal(t, "older", token)

	perItem := newTestStore()
	perItem.HandleIncomingItem(msg("live", "2024-05-01T12:00:00.000Z"))
	for _, it := range page {
		perItem.HandleIncomingItem(it)
	}
	one, _ := perItem.TranscriptData()
	assert.Equal(t, ids(one), ids(items))
}

func TestHandleGetTranscriptResponse_ForwardKeepsToken(t *testing.T) {
	s := newTestStore()
	s.HandleGetTranscriptResponse([]wire.Item{msg("h1", "2024-05-01T09:00:00.000Z")}, "older", wire.ScanBackward)
	s.HandleGetTranscriptResponse([]wire.Item{msg("f1", "2024-05-01T13:00:00.000Z")}, "newer", wire.ScanForward)

	items, token := s.TranscriptData()
	assert.Equal(t, []string{"h1", "f1"}, ids(items))
	assert.Equal(t, "older", token)
}

func TestTranscriptData_IsACopy(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdate(msg("m1", "2024-05-01T10:00:00.000Z"))

	items, _ := s.TranscriptData()
	items[0].Content = "mutated"
	items[0].SetStatus(wire.StatusRead)

	it, _ := s.Get("m1")
	assert.Equal(t, "m1", it.Content)
	assert.Empty(t, it.Status())
}
