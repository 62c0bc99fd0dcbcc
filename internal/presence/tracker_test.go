package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/events"
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type recordingMirror struct {
	mu        sync.Mutex
	published []Participant
	withdrawn []string
}

func (m *recordingMirror) Publish(p Participant, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, p)
}

func (m *recordingMirror) Withdraw(_, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawn = append(m.withdrawn, handle)
}

func newTestTracker(t *testing.T, opts Options) (*Tracker, *events.Hub, *manualClock) {
	t.Helper()
	hub := events.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	clock := &manualClock{current: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(hub, zerolog.Nop(), opts)
	tracker.now = clock.now
	return tracker, hub, clock
}

func drain(ch <-chan events.Event) []events.Event {
	out := make([]events.Event, 0)
	for {
		select {
		case event := <-ch:
			out = append(out, event)
		default:
			return out
		}
	}
}

func countType(items []events.Event, eventType string) int {
	n := 0
	for _, item := range items {
		if item.Type == eventType {
			n++
		}
	}
	return n
}

func TestJoinAssignsUniqueColors(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Options{})
	seen := make(map[string]string)
	for i := 0; i < len(palette); i++ {
		user := fmt.Sprintf("user-%d", i)
		p := tracker.Join("doc-1", user, "")
		if other, ok := seen[p.Color]; ok {
			t.Fatalf("color %s assigned to both %s and %s", p.Color, other, user)
		}
		seen[p.Color] = user
	}
	again := tracker.Join("doc-1", "user-3", "")
	var first Participant
	for _, p := range tracker.List("doc-1") {
		if p.UserID == "user-3" && p.Handle != again.Handle {
			first = p
		}
	}
	if again.Color != first.Color {
		t.Fatalf("same user should keep one color, got %s and %s", first.Color, again.Color)
	}
	if p := tracker.Join("doc-2", "user-3", ""); p.Color == "" {
		t.Fatalf("expected a color on another document")
	}
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	tracker, hub, _ := newTestTracker(t, Options{})
	mine, mineID := hub.Subscribe(t.Context(), "doc-1")
	theirs, _ := hub.Subscribe(t.Context(), "doc-1")

	p := tracker.Join("doc-1", "alice", mineID)

	if got := drain(mine); len(got) != 0 {
		t.Fatalf("joining subscriber should not see its own join, got %d events", len(got))
	}
	got := drain(theirs)
	if len(got) != 1 || got[0].Type != events.PresenceJoined {
		t.Fatalf("expected one presence-joined event, got %+v", got)
	}
	var payload Participant
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Handle != p.Handle || payload.UserID != "alice" || payload.Color != p.Color {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCursorBroadcastsAreRateLimited(t *testing.T) {
	tracker, hub, clock := newTestTracker(t, Options{CursorPerSecond: 2})
	feed, _ := hub.Subscribe(t.Context(), "doc-1")
	p := tracker.Join("doc-1", "alice", "")
	drain(feed)

	for i := 1; i <= 5; i++ {
		if err := tracker.UpdateCursor(p.Handle, Cursor{Offset: i}); err != nil {
			t.Fatalf("UpdateCursor() error = %v", err)
		}
	}
	if n := countType(drain(feed), events.CursorMoved); n != 2 {
		t.Fatalf("expected 2 cursor broadcasts within the burst, got %d", n)
	}
	current, ok := tracker.Get(p.Handle)
	if !ok || current.Cursor == nil || current.Cursor.Offset != 5 {
		t.Fatalf("cursor state should always update, got %+v", current.Cursor)
	}

	clock.advance(time.Second)
	if err := tracker.UpdateCursor(p.Handle, Cursor{Offset: 6}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if n := countType(drain(feed), events.CursorMoved); n != 1 {
		t.Fatalf("expected broadcast after the limiter refills, got %d", n)
	}
}

func TestTypingAndSelection(t *testing.T) {
	tracker, hub, _ := newTestTracker(t, Options{})
	feed, _ := hub.Subscribe(t.Context(), "doc-1")
	p := tracker.Join("doc-1", "alice", "")
	drain(feed)

	if err := tracker.SetTyping(p.Handle, true); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}
	if err := tracker.SetTyping(p.Handle, true); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}
	if n := countType(drain(feed), events.TypingChanged); n != 1 {
		t.Fatalf("unchanged typing state should not rebroadcast, got %d", n)
	}

	sel := &Selection{Start: 9, End: 3}
	if err := tracker.UpdateSelection(p.Handle, sel); err != nil {
		t.Fatalf("UpdateSelection() error = %v", err)
	}
	current, _ := tracker.Get(p.Handle)
	if current.Selection == nil || current.Selection.Start != 3 || current.Selection.End != 9 {
		t.Fatalf("expected normalised selection, got %+v", current.Selection)
	}
	if sel.Start != 9 {
		t.Fatalf("caller's selection must not be modified")
	}
	if n := countType(drain(feed), events.SelectionChanged); n != 1 {
		t.Fatalf("expected one selection event, got %d", n)
	}
}

func TestSweepEvictsIdleParticipants(t *testing.T) {
	mirror := &recordingMirror{}
	tracker, hub, clock := newTestTracker(t, Options{Timeout: 10 * time.Second, Mirror: mirror})
	feed, _ := hub.Subscribe(t.Context(), "doc-1")
	idle := tracker.Join("doc-1", "alice", "")
	active := tracker.Join("doc-1", "bob", "")
	drain(feed)

	clock.advance(6 * time.Second)
	if err := tracker.Heartbeat(active.Handle); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	clock.advance(5 * time.Second)

	evicted := tracker.Sweep()
	if len(evicted) != 1 || evicted[0] != idle.Handle {
		t.Fatalf("expected only the idle participant evicted, got %v", evicted)
	}
	left := drain(feed)
	if len(left) != 1 || left[0].Type != events.PresenceLeft {
		t.Fatalf("expected a presence-left event, got %+v", left)
	}
	var payload map[string]string
	if err := json.Unmarshal(left[0].Payload, &payload); err != nil || payload["reason"] != LeaveTimeout || payload["handle"] != idle.Handle {
		t.Fatalf("unexpected presence-left payload %s (err %v)", left[0].Payload, err)
	}
	if list := tracker.List("doc-1"); len(list) != 1 || list[0].Handle != active.Handle {
		t.Fatalf("unexpected participants after sweep: %+v", list)
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.withdrawn) != 1 || mirror.withdrawn[0] != idle.Handle {
		t.Fatalf("expected mirror withdrawal for evicted handle, got %v", mirror.withdrawn)
	}
	if len(mirror.published) < 3 {
		t.Fatalf("expected joins and heartbeat mirrored, got %d writes", len(mirror.published))
	}
}

func TestLeaveAndEvictDocument(t *testing.T) {
	tracker, hub, _ := newTestTracker(t, Options{})
	feed, _ := hub.Subscribe(t.Context(), "doc-1")
	a := tracker.Join("doc-1", "alice", "")
	tracker.Join("doc-1", "bob", "")
	tracker.Join("doc-1", "carol", "")
	drain(feed)

	if err := tracker.Leave(a.Handle); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if err := tracker.Leave(a.Handle); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second leave, got %v", err)
	}
	if err := tracker.UpdateCursor(a.Handle, Cursor{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for departed handle, got %v", err)
	}

	tracker.EvictDocument("doc-1")
	if n := countType(drain(feed), events.PresenceLeft); n != 3 {
		t.Fatalf("expected 3 presence-left events, got %d", n)
	}
	if list := tracker.List("doc-1"); len(list) != 0 {
		t.Fatalf("expected no participants, got %d", len(list))
	}
}

func TestListKeepsJoinOrder(t *testing.T) {
	tracker, _, _ := newTestTracker(t, Options{})
	users := []string{"carol", "alice", "bob"}
	for _, user := range users {
		tracker.Join("doc-1", user, "")
	}
	list := tracker.List("doc-1")
	for i, user := range users {
		if list[i].UserID != user {
			t.Fatalf("position %d: expected %s, got %s", i, user, list[i].UserID)
		}
	}
}
