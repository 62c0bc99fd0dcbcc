// Package comments manages anchored comment threads on document versions.
package comments

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/email"
	"docflow/api/internal/events"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])@([A-Za-z0-9][A-Za-z0-9._-]*)`)

type commentStore interface {
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	InsertReply(context.Context, store.Reply) error
	TransitionComment(context.Context, store.CommentTransition) (store.Comment, error)
	ListComments(context.Context, string, bool) ([]store.Comment, error)
}

type authorizer interface {
	Check(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) bool
}

type publisher interface {
	Publish(documentID, eventType, actor string, payload any, excludeSubID string) events.Event
}

type notifier interface {
	Notify(ctx context.Context, n email.Notification) error
}

type Service struct {
	store    commentStore
	access   authorizer
	events   publisher
	notifier notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func New(st commentStore, access authorizer, hub publisher, n notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		access:   access,
		events:   hub,
		notifier: n,
		logger:   logger.With().Str("component", "comments").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type AddInput struct {
	DocumentID string
	VersionID  string
	Author     string
	Content    string
	Position   store.Position
	Mentions   []string
}

func (s *Service) Add(ctx context.Context, input AddInput) (store.Comment, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Comment{}, apperr.New(apperr.ErrValidation, "comment content is required")
	}
	if strings.TrimSpace(input.VersionID) == "" {
		return store.Comment{}, apperr.New(apperr.ErrValidation, "versionId is required")
	}
	if input.Position.Page < 0 {
		return store.Comment{}, apperr.New(apperr.ErrValidation, "position page must not be negative")
	}
	if err := s.require(ctx, input.Author, input.DocumentID, rbac.Required(rbac.ActionComment)); err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		DocumentID:  input.DocumentID,
		VersionID:   input.VersionID,
		Position:    input.Position,
		Author:      input.Author,
		Content:     content,
		Mentions:    Mentions(input.Mentions, content),
		CreatedAt:   s.now(),
		Replies:     []store.Reply{},
		Transitions: []store.CommentTransition{},
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	s.events.Publish(comment.DocumentID, events.CommentAdded, comment.Author, comment, events.OriginFrom(ctx))
	s.notify(ctx, email.Notification{
		Kind:       email.KindMention,
		Recipients: comment.Mentions,
		ActorID:    comment.Author,
		DocumentID: comment.DocumentID,
		Subject:    fmt.Sprintf("%s mentioned you in a comment", comment.Author),
		Summary:    comment.Content,
	})
	s.logger.Info().Str("commentId", comment.ID).Str("documentId", comment.DocumentID).Str("author", comment.Author).Msg("comment added")
	return comment, nil
}

type ReplyInput struct {
	CommentID string
	Author    string
	Content   string
	Mentions  []string
}

// Reply appends to an open thread. Resolved threads report ErrNotFound until
// reopened.
func (s *Service) Reply(ctx context.Context, input ReplyInput) (store.Reply, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Reply{}, apperr.New(apperr.ErrValidation, "reply content is required")
	}
	comment, err := s.store.GetComment(ctx, input.CommentID)
	if err != nil {
		return store.Reply{}, err
	}
	if err := s.require(ctx, input.Author, comment.DocumentID, rbac.Required(rbac.ActionComment)); err != nil {
		return store.Reply{}, err
	}
	if comment.Resolved {
		return store.Reply{}, apperr.New(apperr.ErrNotFound, "open comment not found")
	}

	reply := store.Reply{
		ID:        util.NewID("rpl"),
		CommentID: comment.ID,
		Author:    input.Author,
		Content:   content,
		Mentions:  Mentions(input.Mentions, content),
		CreatedAt: s.now(),
	}
	if err := s.store.InsertReply(ctx, reply); err != nil {
		return store.Reply{}, err
	}

	s.events.Publish(comment.DocumentID, events.CommentReplied, reply.Author, reply, events.OriginFrom(ctx))
	recipients := append([]string{comment.Author}, reply.Mentions...)
	s.notify(ctx, email.Notification{
		Kind:       email.KindReply,
		Recipients: recipients,
		ActorID:    reply.Author,
		DocumentID: comment.DocumentID,
		Subject:    fmt.Sprintf("%s replied to a comment", reply.Author),
		Summary:    reply.Content,
	})
	return reply, nil
}

// Resolve needs edit on the document unless the actor wrote the comment.
// Resolving a resolved comment is ErrConflict.
func (s *Service) Resolve(ctx context.Context, commentID, actorID string) (store.Comment, error) {
	return s.transition(ctx, commentID, actorID, store.TransitionResolve, events.CommentResolved)
}

func (s *Service) Reopen(ctx context.Context, commentID, actorID string) (store.Comment, error) {
	return s.transition(ctx, commentID, actorID, store.TransitionReopen, events.CommentReopened)
}

func (s *Service) transition(ctx context.Context, commentID, actorID, action, eventType string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.Author != actorID {
		if err := s.require(ctx, actorID, comment.DocumentID, rbac.LevelEdit); err != nil {
			return store.Comment{}, err
		}
	}
	updated, err := s.store.TransitionComment(ctx, store.CommentTransition{
		CommentID: commentID,
		Action:    action,
		ActorID:   actorID,
		At:        s.now(),
	})
	if err != nil {
		return store.Comment{}, err
	}
	s.events.Publish(updated.DocumentID, eventType, actorID, updated, events.OriginFrom(ctx))
	return updated, nil
}

func (s *Service) Get(ctx context.Context, commentID, actorID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if err := s.require(ctx, actorID, comment.DocumentID, rbac.LevelView); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (s *Service) List(ctx context.Context, documentID, actorID string, openOnly bool) ([]store.Comment, error) {
	if err := s.require(ctx, actorID, documentID, rbac.LevelView); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, documentID, openOnly)
}

func (s *Service) require(ctx context.Context, userID, documentID string, level rbac.Level) error {
	if !s.access.Check(ctx, userID, rbac.Document(documentID), level, rbac.RequestContext(ctx)) {
		return apperr.Newf(apperr.ErrForbidden, "%s access required", level)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, n email.Notification) {
	if s.notifier == nil || len(n.Recipients) == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("kind", n.Kind).Msg("notification failed")
	}
}

// Mentions merges explicit mentions with @user tokens in content, keeping
// first-seen order.
func Mentions(explicit []string, content string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(explicit))
	add := func(user string) {
		user = strings.TrimRight(strings.TrimSpace(strings.TrimPrefix(user, "@")), ".")
		if user == "" || seen[user] {
			return
		}
		seen[user] = true
		out = append(out, user)
	}
	for _, user := range explicit {
		add(user)
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		add(match[1])
	}
	return out
}
