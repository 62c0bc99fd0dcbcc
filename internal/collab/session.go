package collab

import (
	"context"

	"docflow/api/internal/comments"
	"docflow/api/internal/events"
	"docflow/api/internal/presence"
	"docflow/api/internal/store"
)

// The methods below act on behalf of a session. Each tags the context with
// the session's subscription so the resulting broadcast skips its originator.

func (c *Coordinator) originCtx(ctx context.Context, session *Session) context.Context {
	return events.WithOrigin(ctx, session.SubscriptionID)
}

func (c *Coordinator) Comment(ctx context.Context, session *Session, input comments.AddInput) (store.Comment, error) {
	input.DocumentID = session.DocumentID
	input.Author = session.UserID
	return c.deps.Comments.Add(c.originCtx(ctx, session), input)
}

func (c *Coordinator) Reply(ctx context.Context, session *Session, input comments.ReplyInput) (store.Reply, error) {
	input.Author = session.UserID
	return c.deps.Comments.Reply(c.originCtx(ctx, session), input)
}

func (c *Coordinator) Resolve(ctx context.Context, session *Session, commentID string) (store.Comment, error) {
	return c.deps.Comments.Resolve(c.originCtx(ctx, session), commentID, session.UserID)
}

func (c *Coordinator) Reopen(ctx context.Context, session *Session, commentID string) (store.Comment, error) {
	return c.deps.Comments.Reopen(c.originCtx(ctx, session), commentID, session.UserID)
}

func (c *Coordinator) Approve(ctx context.Context, session *Session, workflowID, stepID string) (store.Workflow, error) {
	return c.deps.Workflows.Approve(c.originCtx(ctx, session), workflowID, stepID, session.UserID)
}

func (c *Coordinator) Reject(ctx context.Context, session *Session, workflowID, stepID, reason string) (store.Workflow, error) {
	return c.deps.Workflows.Reject(c.originCtx(ctx, session), workflowID, stepID, session.UserID, reason)
}

func (c *Coordinator) Cursor(session *Session, cursor presence.Cursor) error {
	return c.deps.Presence.UpdateCursor(session.ID, cursor)
}

func (c *Coordinator) Selection(session *Session, selection *presence.Selection) error {
	return c.deps.Presence.UpdateSelection(session.ID, selection)
}

func (c *Coordinator) Typing(session *Session, typing bool) error {
	return c.deps.Presence.SetTyping(session.ID, typing)
}

func (c *Coordinator) Heartbeat(session *Session) error {
	return c.deps.Presence.Heartbeat(session.ID)
}
