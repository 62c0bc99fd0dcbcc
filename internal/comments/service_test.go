package comments

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/email"
	"docflow/api/internal/events"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
)

type fakeAccess map[string]rbac.Level

func (f fakeAccess) Check(_ context.Context, userID string, _ rbac.Resource, required rbac.Level, _ rbac.Context) bool {
	return f[userID].AtLeast(required)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []email.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n email.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

type fixture struct {
	svc      *Service
	hub      *events.Hub
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateDocument(ctx, store.Document{ID: "doc-1", Title: "Plan", CreatedBy: "owner", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := st.CreateDocument(ctx, store.Document{ID: "doc-2", Title: "Other", CreatedBy: "owner", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	for _, v := range []store.DocumentVersion{
		{ID: "ver-1", DocumentID: "doc-1", Branch: store.MainBranch, Version: 1, Author: "owner", SnapshotRef: "r1"},
		{ID: "ver-other", DocumentID: "doc-2", Branch: store.MainBranch, Version: 1, Author: "owner", SnapshotRef: "r2"},
	} {
		if err := st.InsertVersion(ctx, v); err != nil {
			t.Fatalf("InsertVersion(%s) error = %v", v.ID, err)
		}
	}
	access := fakeAccess{"owner": rbac.LevelOwner, "editor": rbac.LevelEdit, "alice": rbac.LevelComment, "bob": rbac.LevelComment, "viewer": rbac.LevelView}
	hub := events.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	notifier := &recordingNotifier{}
	return fixture{svc: New(st, access, hub, notifier, zerolog.Nop()), hub: hub, notifier: notifier}
}

func (f fixture) add(t *testing.T, author, content string) store.Comment {
	t.Helper()
	comment, err := f.svc.Add(context.Background(), AddInput{DocumentID: "doc-1", VersionID: "ver-1", Author: author, Content: content, Position: store.Position{Page: 1, X: 0.2, Y: 0.4}})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return comment
}

func TestAddComment(t *testing.T) {
	f := newFixture(t)
	feed, _ := f.hub.Subscribe(t.Context(), "doc-1")

	comment, err := f.svc.Add(context.Background(), AddInput{
		DocumentID: "doc-1",
		VersionID:  "ver-1",
		Author:     "alice",
		Content:    "  @bob can you check this? cc @carol.  ",
		Position:   store.Position{Page: 2, X: 0.5, Y: 0.25},
		Mentions:   []string{"dana", "bob"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if comment.Content != "@bob can you check this? cc @carol." {
		t.Fatalf("content should be trimmed, got %q", comment.Content)
	}
	if want := []string{"dana", "bob", "carol"}; !reflect.DeepEqual(comment.Mentions, want) {
		t.Fatalf("Mentions = %v, want %v", comment.Mentions, want)
	}
	if comment.Resolved || comment.Position.Page != 2 {
		t.Fatalf("unexpected comment %+v", comment)
	}

	select {
	case event := <-feed:
		if event.Type != events.CommentAdded || event.Actor != "alice" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected comment-added event")
	}
	if len(f.notifier.items) != 1 || f.notifier.items[0].Kind != email.KindMention {
		t.Fatalf("expected one mention notification, got %+v", f.notifier.items)
	}
}

func TestAddCommentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Add(ctx, AddInput{DocumentID: "doc-1", VersionID: "ver-1", Author: "viewer", Content: "hi"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for viewer, got %v", err)
	}
	if _, err := f.svc.Add(ctx, AddInput{DocumentID: "doc-1", VersionID: "ver-1", Author: "alice", Content: "   "}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty content, got %v", err)
	}
	if _, err := f.svc.Add(ctx, AddInput{DocumentID: "doc-1", VersionID: "ver-other", Author: "alice", Content: "hi"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a version of another document, got %v", err)
	}
	if _, err := f.svc.Add(ctx, AddInput{DocumentID: "doc-1", VersionID: "ver-missing", Author: "alice", Content: "hi"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown version, got %v", err)
	}
}

func TestReplyBlockedWhileResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	comment := f.add(t, "alice", "Typo in heading")

	reply, err := f.svc.Reply(ctx, ReplyInput{CommentID: comment.ID, Author: "bob", Content: "Fixed, @alice"})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if !reflect.DeepEqual(reply.Mentions, []string{"alice"}) {
		t.Fatalf("unexpected reply mentions %v", reply.Mentions)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{CommentID: comment.ID, Author: "viewer", Content: "me too"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for viewer reply, got %v", err)
	}

	if _, err := f.svc.Resolve(ctx, comment.ID, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{CommentID: comment.ID, Author: "bob", Content: "one more"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound replying to resolved comment, got %v", err)
	}
	if _, err := f.svc.Reopen(ctx, comment.ID, "alice"); err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{CommentID: comment.ID, Author: "bob", Content: "one more"}); err != nil {
		t.Fatalf("Reply() after reopen error = %v", err)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{CommentID: "cmt_missing", Author: "bob", Content: "hello"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown comment, got %v", err)
	}

	got, err := f.svc.Get(ctx, comment.ID, "viewer")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(got.Replies))
	}
}

func TestResolveAndReopenPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	comment := f.add(t, "alice", "Needs a citation")

	if _, err := f.svc.Resolve(ctx, comment.ID, "bob"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-author commenter, got %v", err)
	}
	resolved, err := f.svc.Resolve(ctx, comment.ID, "editor")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != "editor" || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved comment %+v", resolved)
	}
	if _, err := f.svc.Resolve(ctx, comment.ID, "editor"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict resolving twice, got %v", err)
	}

	reopened, err := f.svc.Reopen(ctx, comment.ID, "alice")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if reopened.Resolved {
		t.Fatalf("expected comment open after reopen")
	}
	if _, err := f.svc.Reopen(ctx, comment.ID, "alice"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict reopening an open comment, got %v", err)
	}
	if len(reopened.Transitions) != 2 || reopened.Transitions[0].Action != store.TransitionResolve || reopened.Transitions[1].ActorID != "alice" {
		t.Fatalf("unexpected transitions %+v", reopened.Transitions)
	}
}

func TestListComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.add(t, "alice", "one")
	f.add(t, "bob", "two")
	if _, err := f.svc.Resolve(ctx, first.ID, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	all, err := f.svc.List(ctx, "doc-1", "viewer", false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	open, err := f.svc.List(ctx, "doc-1", "viewer", true)
	if err != nil {
		t.Fatalf("List(open) error = %v", err)
	}
	if len(all) != 2 || len(open) != 1 || open[0].Content != "two" {
		t.Fatalf("unexpected lists: all=%d open=%+v", len(all), open)
	}
	if _, err := f.svc.List(ctx, "doc-1", "stranger", false); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}
}

func TestOriginIsExcludedFromBroadcast(t *testing.T) {
	f := newFixture(t)
	mine, mineID := f.hub.Subscribe(t.Context(), "doc-1")
	ctx := events.WithOrigin(context.Background(), mineID)
	if _, err := f.svc.Add(ctx, AddInput{DocumentID: "doc-1", VersionID: "ver-1", Author: "alice", Content: "hi"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	select {
	case event := <-mine:
		t.Fatalf("originating subscriber received %+v", event)
	default:
	}
}

func TestMentions(t *testing.T) {
	cases := []struct {
		explicit []string
		content  string
		want     []string
	}{
		{nil, "no mentions here", []string{}},
		{[]string{"@ann", " ann "}, "hi @ann", []string{"ann"}},
		{nil, "@lee, @kim. and @lee", []string{"lee", "kim"}},
		{nil, "mail ops@example.com", []string{}},
		{[]string{"  "}, "(@j.doe)", []string{"j.doe"}},
	}
	for _, tc := range cases {
		if got := Mentions(tc.explicit, tc.content); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Mentions(%v, %q) = %v, want %v", tc.explicit, tc.content, got, tc.want)
		}
	}
}
