package transcript

import (
	"fmt"
	"strings"
	"sync"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// Partials stitches streamed bot messages. Chunks share one Id and carry
// ChunkNumber and MessageCompleted in their metadata.
type Partials struct {
	logger logging.Logger

	mu      sync.Mutex
	buffers map[string][]wire.Item
}

// NewPartials returns an empty chunk buffer.
func NewPartials(logger logging.Logger) *Partials {
	return &Partials{
		logger:  logging.With(logging.OrDefault(logger), "component", "partials"),
		buffers: make(map[string][]wire.Item),
	}
}

// IsPartial reports whether it is a chunk of a streamed bot message. A
// SYSTEM MESSAGE without a completion flag is an ordinary message.
func IsPartial(it wire.Item) bool {
	return it.ParticipantRole == wire.RoleSystem &&
		it.Type == wire.TypeMessage &&
		it.MessageMetadata != nil &&
		it.MessageMetadata.MessageCompleted != nil
}

// Update buffers it and reports whether the buffered state changed.
//
//	none               + chunk 1 or completed   -> start buffer
//	buffered, open     + completed              -> replace buffer
//	buffered, open, N  + open chunk N+1         -> append
//	anything else                               -> ignore
func (p *Partials) Update(it wire.Item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.update(it)
}

// Stitch joins the buffered chunks for id. Content is concatenated in
// arrival order, AbsoluteTime comes from the first chunk and every other
// field from the last.
func (p *Partials) Stitch(id string) (wire.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stitch(id)
}

// HandleBotPartialMessage buffers a chunk and returns the stitched message
// when the buffer changed. ok is false when there is nothing new to render.
func (p *Partials) HandleBotPartialMessage(it wire.Item) (stitched wire.Item, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("partial message handler failed", "id", it.ID, "panic", fmt.Sprint(r))
			stitched, ok = wire.Item{}, false
		}
	}()

	if !IsPartial(it) || !p.update(it) {
		return wire.Item{}, false
	}
	return p.stitch(it.ID)
}

// Rehydrate collapses buffers whose message appears completed in a freshly
// fetched history page. It returns the ids it collapsed.
func (p *Partials) Rehydrate(history []wire.Item) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var collapsed []string
	for _, it := range history {
		if !IsPartial(it) || !*it.MessageMetadata.MessageCompleted {
			continue
		}
		if _, buffered := p.buffers[it.ID]; !buffered {
			continue
		}
		p.buffers[it.ID] = []wire.Item{it.Clone()}
		collapsed = append(collapsed, it.ID)
	}
	return collapsed
}

// Buffered returns the number of chunks held for id.
func (p *Partials) Buffered(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers[id])
}

func (p *Partials) update(it wire.Item) bool {
	if !IsPartial(it) {
		return false
	}
	md := it.MessageMetadata
	completed := *md.MessageCompleted

	buf, exists := p.buffers[it.ID]
	if !exists {
		if md.ChunkNumber == 1 || completed {
			p.buffers[it.ID] = []wire.Item{it.Clone()}
			return true
		}
		return false
	}

	last := buf[len(buf)-1].MessageMetadata
	lastCompleted := *last.MessageCompleted
	switch {
	case lastCompleted:
		return false
	case completed:
		p.buffers[it.ID] = []wire.Item{it.Clone()}
		return true
	case md.ChunkNumber == last.ChunkNumber+1:
		p.buffers[it.ID] = append(buf, it.Clone())
		return true
	default:
		p.logger.Debug("ignoring out of order chunk",
			"id", it.ID, "chunk", md.ChunkNumber, "expected", last.ChunkNumber+1)
		return false
	}
}

func (p *Partials) stitch(id string) (wire.Item, bool) {
	buf := p.buffers[id]
	if len(buf) == 0 {
		return wire.Item{}, false
	}

	var sb strings.Builder
	for _, chunk := range buf {
		sb.WriteString(chunk.Content)
	}
	out := buf[len(buf)-1].Clone()
	out.Content = sb.String()
	out.AbsoluteTime = buf[0].AbsoluteTime
	return out, true
}
