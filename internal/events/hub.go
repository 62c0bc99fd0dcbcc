package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const subscriberBufferSize = 64

const (
	EditApplied           = "edit-applied"
	EditCommitted         = "edit-committed"
	EditConflict          = "edit-conflict"
	EditRebased           = "edit-rebased"
	EditBranched          = "edit-branched"
	CommentAdded          = "comment-added"
	CommentReplied        = "comment-replied"
	CommentResolved       = "comment-resolved"
	CommentReopened       = "comment-reopened"
	PresenceJoined        = "presence-joined"
	PresenceLeft          = "presence-left"
	CursorMoved           = "cursor-moved"
	SelectionChanged      = "selection-changed"
	TypingChanged         = "typing-changed"
	WorkflowCreated       = "workflow-created"
	WorkflowStepCompleted = "workflow-step-completed"
	WorkflowCompleted     = "workflow-completed"
	WorkflowCancelled     = "workflow-cancelled"
)

// Event is one entry in a document's broadcast feed. Seq increases by one for
// every event published on the document.
type Event struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Seq        uint64          `json:"seq"`
	Actor      string          `json:"actor,omitempty"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Hub fans document events out to subscribers. Sequence assignment and
// delivery happen under one lock, so every subscriber observes events in
// acceptance order. Delivery never blocks; a full subscriber drops the event
// and sees a gap in Seq.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[string]chan Event
	seq         map[string]uint64
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]chan Event),
		seq:         make(map[string]uint64),
		logger:      logger.With().Str("component", "events").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers for events on documentID. The subscription ends when
// ctx is cancelled or Unsubscribe is called; the channel is then closed.
func (h *Hub) Subscribe(ctx context.Context, documentID string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[documentID]; !ok {
		h.subscribers[documentID] = make(map[string]chan Event)
	}
	h.subscribers[documentID][subID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Unsubscribe(documentID, subID)
	}()
	return ch, subID
}

// Publish stamps the event with the next sequence number for its document and
// delivers it to every subscriber except excludeSubID.
func (h *Hub) Publish(documentID, eventType, actor string, payload any, excludeSubID string) Event {
	event := Event{Type: eventType, DocumentID: documentID, Actor: actor}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error().Err(err).Str("type", eventType).Msg("encode event payload")
		} else {
			event.Payload = raw
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[documentID]++
	event.Seq = h.seq[documentID]
	event.At = h.now()

	for id, ch := range h.subscribers[documentID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			h.logger.Warn().
				Str("documentId", documentID).
				Str("subscriber", id).
				Uint64("seq", event.Seq).
				Msg("dropped event for slow subscriber")
		}
	}
	return event
}

func (h *Hub) Unsubscribe(documentID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[documentID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, documentID)
	}
}

// Subscribers returns the number of live subscriptions on documentID.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[documentID])
}

// Forget drops every subscription and the sequence counter of a deleted
// document.
func (h *Hub) Forget(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers[documentID] {
		close(ch)
		delete(h.subscribers[documentID], id)
	}
	delete(h.subscribers, documentID)
	delete(h.seq, documentID)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for documentID, subs := range h.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subscribers, documentID)
	}
}

type originKey struct{}

// WithOrigin marks ctx as coming from the subscription subID, which is then
// skipped when the resulting event is published.
func WithOrigin(ctx context.Context, subID string) context.Context {
	return context.WithValue(ctx, originKey{}, subID)
}

func OriginFrom(ctx context.Context) string {
	subID, _ := ctx.Value(originKey{}).(string)
	return subID
}
