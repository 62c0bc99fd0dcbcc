// Package presence tracks who is connected to a document: cursors,
// selections, typing state and a stable color per participant.
package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"docflow/api/internal/apperr"
	"docflow/api/internal/events"
	"docflow/api/internal/util"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4",
	"#f032e6", "#9a6324", "#469990", "#800000", "#808000", "#000075",
}

const (
	LeaveExplicit = "left"
	LeaveTimeout  = "timeout"
	LeaveEvicted  = "evicted"
)

// Cursor is a caret position as a rune offset into the working copy.
type Cursor struct {
	Offset int `json:"offset"`
}

// Selection is a half-open rune range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Participant struct {
	Handle       string     `json:"handle"`
	DocumentID   string     `json:"documentId"`
	UserID       string     `json:"userId"`
	Color        string     `json:"color"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	Typing       bool       `json:"isTyping"`
	LastActivity time.Time  `json:"lastActivity"`
}

type publisher interface {
	Publish(documentID, eventType, actor string, payload any, excludeSubID string) events.Event
}

// Mirror receives best-effort copies of local presence. Implementations must
// not block.
type Mirror interface {
	Publish(p Participant, ttl time.Duration)
	Withdraw(documentID, handle string)
}

type Options struct {
	Timeout         time.Duration
	CursorPerSecond int
	Mirror          Mirror
}

type entry struct {
	participant  Participant
	subscriberID string
	limiter      *rate.Limiter
	joined       uint64
}

type Tracker struct {
	mu       sync.Mutex
	docs     map[string]map[string]*entry
	handles  map[string]*entry
	joins    uint64
	hub      publisher
	mirror   Mirror
	timeout  time.Duration
	cursorHz int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewTracker(hub publisher, logger zerolog.Logger, opts Options) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.CursorPerSecond <= 0 {
		opts.CursorPerSecond = 20
	}
	return &Tracker{
		docs:     make(map[string]map[string]*entry),
		handles:  make(map[string]*entry),
		hub:      hub,
		mirror:   opts.Mirror,
		timeout:  opts.Timeout,
		cursorHz: opts.CursorPerSecond,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Join registers a participant. subscriberID names the caller's event
// subscription so the participant does not receive its own presence events.
func (t *Tracker) Join(documentID, userID, subscriberID string) Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.joins++
	e := &entry{
		participant: Participant{
			Handle:       util.NewID("pres"),
			DocumentID:   documentID,
			UserID:       userID,
			Color:        t.colorLocked(documentID, userID),
			LastActivity: now,
		},
		subscriberID: subscriberID,
		limiter:      rate.NewLimiter(rate.Limit(t.cursorHz), t.cursorHz),
		joined:       t.joins,
	}
	if _, ok := t.docs[documentID]; !ok {
		t.docs[documentID] = make(map[string]*entry)
	}
	t.docs[documentID][e.participant.Handle] = e
	t.handles[e.participant.Handle] = e

	t.hub.Publish(documentID, events.PresenceJoined, userID, e.participant, subscriberID)
	t.mirrorPublish(e.participant)
	return e.participant
}

// colorLocked hashes userID onto the palette and steps forward past colors
// already used in the document. A user with several handles keeps one color.
func (t *Tracker) colorLocked(documentID, userID string) string {
	used := make(map[string]bool)
	for _, e := range t.docs[documentID] {
		if e.participant.UserID == userID {
			return e.participant.Color
		}
		used[e.participant.Color] = true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	start := int(h.Sum32() % uint32(len(palette)))
	for i := 0; i < len(palette); i++ {
		candidate := palette[(start+i)%len(palette)]
		if !used[candidate] {
			return candidate
		}
	}
	return palette[start]
}

// UpdateCursor always records the position; the broadcast is rate limited
// per participant.
func (t *Tracker) UpdateCursor(handle string, cursor Cursor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.touchLocked(handle)
	if err != nil {
		return err
	}
	e.participant.Cursor = &cursor
	if e.limiter.AllowN(e.participant.LastActivity, 1) {
		t.publishLocked(e, events.CursorMoved)
	}
	return nil
}

func (t *Tracker) UpdateSelection(handle string, selection *Selection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.touchLocked(handle)
	if err != nil {
		return err
	}
	if selection != nil {
		s := *selection
		if s.End < s.Start {
			s.Start, s.End = s.End, s.Start
		}
		selection = &s
	}
	e.participant.Selection = selection
	t.publishLocked(e, events.SelectionChanged)
	return nil
}

func (t *Tracker) SetTyping(handle string, typing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.touchLocked(handle)
	if err != nil {
		return err
	}
	if e.participant.Typing == typing {
		return nil
	}
	e.participant.Typing = typing
	t.publishLocked(e, events.TypingChanged)
	return nil
}

func (t *Tracker) Heartbeat(handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.touchLocked(handle)
	if err != nil {
		return err
	}
	t.mirrorPublish(e.participant)
	return nil
}

func (t *Tracker) Leave(handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.handles[handle]
	if !ok {
		return apperr.New(apperr.ErrNotFound, "presence handle not found")
	}
	t.removeLocked(e, LeaveExplicit)
	return nil
}

// Sweep evicts participants idle for longer than the timeout and returns
// their handles.
func (t *Tracker) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	evicted := make([]string, 0)
	for _, e := range t.handles {
		if now.Sub(e.participant.LastActivity) >= t.timeout {
			evicted = append(evicted, e.participant.Handle)
			t.removeLocked(e, LeaveTimeout)
		}
	}
	if len(evicted) > 0 {
		t.logger.Debug().Int("count", len(evicted)).Msg("evicted idle participants")
	}
	return evicted
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// EvictDocument removes every participant of a document.
func (t *Tracker) EvictDocument(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.docs[documentID] {
		t.removeLocked(e, LeaveEvicted)
	}
}

// List returns the local participants of a document in join order.
func (t *Tracker) List(documentID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]*entry, 0, len(t.docs[documentID]))
	for _, e := range t.docs[documentID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].joined < entries[j].joined })
	out := make([]Participant, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneParticipant(e.participant))
	}
	return out
}

type mirrorLister interface {
	List(ctx context.Context, documentID string) ([]Participant, error)
}

// ListCluster adds participants mirrored by other instances to the local
// list. Mirror failures fall back to the local view.
func (t *Tracker) ListCluster(ctx context.Context, documentID string) []Participant {
	local := t.List(documentID)
	lister, ok := t.mirror.(mirrorLister)
	if !ok {
		return local
	}
	remote, err := lister.List(ctx, documentID)
	if err != nil {
		t.logger.Warn().Err(err).Str("documentId", documentID).Msg("list mirrored presence")
		return local
	}
	seen := make(map[string]bool, len(local))
	for _, p := range local {
		seen[p.Handle] = true
	}
	for _, p := range remote {
		if !seen[p.Handle] {
			local = append(local, p)
		}
	}
	return local
}

func (t *Tracker) Get(handle string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.handles[handle]
	if !ok {
		return Participant{}, false
	}
	return cloneParticipant(e.participant), true
}

func (t *Tracker) touchLocked(handle string) (*entry, error) {
	e, ok := t.handles[handle]
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "presence handle not found")
	}
	e.participant.LastActivity = t.now()
	return e, nil
}

func (t *Tracker) publishLocked(e *entry, eventType string) {
	t.hub.Publish(e.participant.DocumentID, eventType, e.participant.UserID, cloneParticipant(e.participant), e.subscriberID)
	t.mirrorPublish(e.participant)
}

func (t *Tracker) removeLocked(e *entry, reason string) {
	p := e.participant
	delete(t.handles, p.Handle)
	if doc, ok := t.docs[p.DocumentID]; ok {
		delete(doc, p.Handle)
		if len(doc) == 0 {
			delete(t.docs, p.DocumentID)
		}
	}
	t.hub.Publish(p.DocumentID, events.PresenceLeft, p.UserID, map[string]string{
		"handle": p.Handle,
		"userId": p.UserID,
		"reason": reason,
	}, e.subscriberID)
	if t.mirror != nil {
		t.mirror.Withdraw(p.DocumentID, p.Handle)
	}
}

func (t *Tracker) mirrorPublish(p Participant) {
	if t.mirror != nil {
		t.mirror.Publish(cloneParticipant(p), t.timeout)
	}
}

func cloneParticipant(p Participant) Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		p.Selection = &s
	}
	return p
}
