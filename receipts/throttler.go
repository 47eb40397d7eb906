// Package receipts batches outgoing read and delivered receipts.
//
// A burst of receipt requests collapses into at most one network call per
// kind per throttle window. Delivered receipts wait a short hold first so a
// read receipt for the same message can replace them. Sending a receipt for
// a message acknowledges every earlier pending message of the same kind.
package receipts

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
	"github.com/NeboLoop/chatsession-go-sdk/metrics"
	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

// DefaultHoldDelay is how long a delivered receipt waits for a read receipt.
const DefaultHoldDelay = 300 * time.Millisecond

// AlreadyFired is the Result message for duplicate requests.
const AlreadyFired = "Event already fired"

var (
	ErrUnsupportedType = errors.New("receipts: unsupported receipt content type")
	ErrClosed          = errors.New("receipts: throttler closed")
)

// Sender performs the network call for one receipt.
type Sender func(ctx context.Context, contentType, messageID string) error

// Result describes how a request was settled.
type Result struct {
	ContentType string
	MessageID   string
	Message     string
}

type waiter struct {
	id   string
	done chan error
}

// Throttler is safe for concurrent use. Close releases its timers.
type Throttler struct {
	send     Sender
	logger   logging.Logger
	hold     time.Duration
	throttle time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	pending       map[string][]waiter            // content type -> waiters in arrival order
	sent          map[string]map[string]struct{} // content type -> acknowledged ids
	holds         map[string]*time.Timer         // delivered holds by message id
	lastRead      string
	lastDelivered string
	flushTimer    *time.Timer
}

// New creates a throttler that calls send at most once per kind every
// throttle interval.
func New(send Sender, throttle time.Duration, logger logging.Logger) *Throttler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Throttler{
		send:     send,
		logger:   logging.With(logging.OrDefault(logger), "component", "receipts"),
		hold:     DefaultHoldDelay,
		throttle: throttle,
		ctx:      ctx,
		cancel:   cancel,
		pending: map[string][]waiter{
			wire.ContentTypeReadReceipt:      nil,
			wire.ContentTypeDeliveredReceipt: nil,
		},
		sent: map[string]map[string]struct{}{
			wire.ContentTypeReadReceipt:      {},
			wire.ContentTypeDeliveredReceipt: {},
		},
		holds: make(map[string]*time.Timer),
	}
}

// PrioritizeAndSend queues a receipt and blocks until it is sent, merged
// into a later receipt, or fails. A request for a message that is already
// queued or acknowledged returns immediately with AlreadyFired.
func (t *Throttler) PrioritizeAndSend(ctx context.Context, contentType, messageID string) (Result, error) {
	if contentType != wire.ContentTypeReadReceipt && contentType != wire.ContentTypeDeliveredReceipt {
		return Result{}, ErrUnsupportedType
	}
	res := Result{ContentType: contentType, MessageID: messageID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Result{}, ErrClosed
	}
	if t.known(contentType, messageID) {
		t.mu.Unlock()
		res.Message = AlreadyFired
		return res, nil
	}

	w := waiter{id: messageID, done: make(chan error, 1)}
	t.pending[contentType] = append(t.pending[contentType], w)

	switch contentType {
	case wire.ContentTypeDeliveredReceipt:
		t.holds[messageID] = time.AfterFunc(t.hold, func() { t.releaseHeld(messageID) })
	case wire.ContentTypeReadReceipt:
		if h, ok := t.holds[messageID]; ok {
			h.Stop()
			delete(t.holds, messageID)
			t.resolveLocked(wire.ContentTypeDeliveredReceipt, messageID, nil)
		}
		t.releaseLocked(contentType, messageID)
	}
	t.mu.Unlock()

	select {
	case err := <-w.done:
		if err != nil {
			return Result{}, err
		}
		res.Message = "sent"
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close rejects every pending request with ErrClosed and stops the timers.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cancel()

	for id, h := range t.holds {
		h.Stop()
		delete(t.holds, id)
	}
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	for ct, list := range t.pending {
		for _, w := range list {
			w.done <- ErrClosed
		}
		t.pending[ct] = nil
	}
}

// known reports whether id is queued or acknowledged for contentType. A read
// receipt covers the delivered receipt of the same message, so a delivered
// request also counts as known once a read for id is queued or sent.
func (t *Throttler) known(contentType, id string) bool {
	if t.queuedOrSent(contentType, id) {
		return true
	}
	return contentType == wire.ContentTypeDeliveredReceipt && t.queuedOrSent(wire.ContentTypeReadReceipt, id)
}

func (t *Throttler) queuedOrSent(contentType, id string) bool {
	if _, ok := t.sent[contentType][id]; ok {
		return true
	}
	return slices.ContainsFunc(t.pending[contentType], func(w waiter) bool { return w.id == id })
}

func (t *Throttler) releaseHeld(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.holds[id]; !ok {
		return // superseded by a read receipt or closed
	}
	delete(t.holds, id)
	t.releaseLocked(wire.ContentTypeDeliveredReceipt, id)
}

func (t *Throttler) releaseLocked(contentType, id string) {
	if contentType == wire.ContentTypeReadReceipt {
		t.lastRead = id
	} else {
		t.lastDelivered = id
	}
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(t.throttle, t.flush)
	}
}

// flush sends the newest released receipt of each kind. A delivered receipt
// for the same message as the read receipt is covered by the read.
func (t *Throttler) flush() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	read, delivered := t.lastRead, t.lastDelivered
	t.lastRead, t.lastDelivered, t.flushTimer = "", "", nil
	t.mu.Unlock()

	if delivered != "" && delivered != read {
		err := t.fire(wire.ContentTypeDeliveredReceipt, delivered)
		t.mu.Lock()
		t.resolveLocked(wire.ContentTypeDeliveredReceipt, delivered, err)
		t.mu.Unlock()
	}
	if read != "" {
		err := t.fire(wire.ContentTypeReadReceipt, read)
		t.mu.Lock()
		t.resolveLocked(wire.ContentTypeReadReceipt, read, err)
		if delivered == read {
			t.resolveLocked(wire.ContentTypeDeliveredReceipt, read, err)
		}
		t.mu.Unlock()
	}
}

func (t *Throttler) fire(contentType, id string) error {
	err := t.send(t.ctx, contentType, id)
	kind := "read"
	if contentType == wire.ContentTypeDeliveredReceipt {
		kind = "delivered"
	}
	if err != nil {
		t.logger.Warn("send receipt failed", "type", kind, "message_id", id, "error", err)
		return err
	}
	metrics.ReceiptsSent.WithLabelValues(kind).Inc()
	return nil
}

// resolveLocked settles every waiter of contentType up to and including id.
func (t *Throttler) resolveLocked(contentType, id string, err error) {
	list := t.pending[contentType]
	idx := slices.IndexFunc(list, func(w waiter) bool { return w.id == id })
	if idx < 0 {
		return
	}
	for _, w := range list[:idx+1] {
		w.done <- err
		if err == nil {
			t.sent[contentType][w.id] = struct{}{}
		}
	}
	t.pending[contentType] = slices.Clone(list[idx+1:])
}
