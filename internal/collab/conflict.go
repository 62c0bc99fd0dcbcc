package collab

import (
	"context"
	"fmt"

	"docflow/api/internal/apperr"
	"docflow/api/internal/events"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
)

func (st *docState) conflictError() error {
	details := map[string]any{"baseVersion": st.baseVersion}
	if st.conflict != nil {
		details["headVersion"] = st.conflict.Version
	}
	return apperr.WithDetails(apperr.ErrConflict, "document changed since these edits were made; rebase or reload", details)
}

// conflictLocked records that main moved past the buffered edits and tells
// every session. cause is returned when the new head cannot be read.
func (c *Coordinator) conflictLocked(ctx context.Context, st *docState, cause error) error {
	head, err := c.deps.Versions.Head(ctx, st.documentID, store.MainBranch)
	if err != nil {
		return err
	}
	if head == nil {
		if cause != nil {
			return cause
		}
		return apperr.New(apperr.ErrConflict, "document has no head version")
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.conflict = head
	c.deps.Events.Publish(st.documentID, events.EditConflict, head.Author, map[string]any{
		"head":        head,
		"baseVersion": st.baseVersion,
		"authors":     append([]string(nil), st.authors...),
	}, "")
	c.logger.Warn().
		Str("documentId", st.documentID).
		Int("baseVersion", st.baseVersion).
		Int("headVersion", head.Version).
		Msg("buffered edits conflict with a newer head")
	return st.conflictError()
}

// Rebase replaces the working copy with content the client merged against
// baseVersion, which must be the current main head. It clears a conflict.
func (c *Coordinator) Rebase(ctx context.Context, session *Session, baseVersion int, content string) (EditResult, error) {
	if !c.allowed(ctx, session.UserID, session.DocumentID, rbac.LevelEdit) {
		return EditResult{}, apperr.New(apperr.ErrForbidden, "edit access required")
	}
	st, err := c.sessionState(session)
	if err != nil {
		return EditResult{}, err
	}
	defer st.mu.Unlock()

	head, err := c.deps.Versions.Head(ctx, st.documentID, store.MainBranch)
	if err != nil {
		return EditResult{}, err
	}
	headNumber := 0
	if head != nil {
		headNumber = head.Version
	}
	if baseVersion != headNumber {
		return EditResult{}, apperr.WithDetails(apperr.ErrConflict, "rebase must target the current head", map[string]any{
			"baseVersion": baseVersion,
			"headVersion": headNumber,
		})
	}

	now := c.now()
	st.head = head
	st.baseVersion = headNumber
	st.conflict = nil
	st.content = []rune(content)
	if !st.dirty {
		st.dirty = true
		st.firstEdit = now
		st.authors = st.authors[:0]
	}
	st.addAuthor(session.UserID)
	c.schedule(st, now)
	c.publishReset(st, session.UserID, false)
	return EditResult{BaseVersion: st.baseVersion, Length: len(st.content)}, nil
}

// Reload discards buffered edits and resets the working copy to the main head.
func (c *Coordinator) Reload(ctx context.Context, session *Session) (EditResult, error) {
	if !c.allowed(ctx, session.UserID, session.DocumentID, rbac.LevelEdit) {
		return EditResult{}, apperr.New(apperr.ErrForbidden, "edit access required")
	}
	st, err := c.sessionState(session)
	if err != nil {
		return EditResult{}, err
	}
	defer st.mu.Unlock()

	if err := c.load(ctx, st); err != nil {
		return EditResult{}, err
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	discarded := st.dirty
	st.clearPending()
	c.publishReset(st, session.UserID, discarded)
	return EditResult{BaseVersion: st.baseVersion, Length: len(st.content)}, nil
}

// HeadMoved is called after a version is committed outside the live session,
// for example over REST. A clean working copy follows the new head; a dirty
// one enters conflict.
func (c *Coordinator) HeadMoved(ctx context.Context, version store.DocumentVersion) {
	if version.Branch != store.MainBranch {
		return
	}
	st, ok := c.lookup(version.DocumentID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.sessions == nil || version.Version <= st.baseVersion {
		return
	}
	if st.dirty {
		if st.conflict == nil || st.conflict.Version < version.Version {
			_ = c.conflictLocked(ctx, st, nil)
		}
		return
	}
	if err := c.load(ctx, st); err != nil {
		c.logger.Error().Err(err).Str("documentId", st.documentID).Msg("reload after external commit failed")
		return
	}
	c.publishReset(st, version.Author, false)
}

func (c *Coordinator) publishReset(st *docState, actor string, discarded bool) {
	c.deps.Events.Publish(st.documentID, events.EditRebased, actor, map[string]any{
		"baseVersion": st.baseVersion,
		"content":     string(st.content),
		"length":      len(st.content),
		"pending":     st.dirty,
		"discarded":   discarded,
	}, "")
}

// settleLocked commits pending edits when no session will stay to resolve a
// conflict. A conflicted buffer goes to a side branch forked at its base.
func (c *Coordinator) settleLocked(ctx context.Context, st *docState) {
	if !st.dirty {
		return
	}
	_, err := c.commitLocked(ctx, st)
	if err == nil {
		return
	}
	if !versions.IsConflict(err) {
		c.logger.Error().Err(err).Str("documentId", st.documentID).Msg("commit of pending edits failed")
		return
	}
	if err := c.preserveLocked(ctx, st); err != nil {
		c.logger.Error().Err(err).Str("documentId", st.documentID).Msg("conflicted edits could not be preserved")
	}
}

func (c *Coordinator) preserveLocked(ctx context.Context, st *docState) error {
	base := st.head
	if base == nil {
		return fmt.Errorf("no base version to fork from")
	}
	author := st.lastAuthor()
	name := "live-" + c.now().Format("20060102-150405.000000000")
	if _, err := c.deps.Versions.CreateBranch(ctx, st.documentID, name, base.ID, author); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	version, err := c.deps.Versions.Commit(ctx, versions.CommitInput{
		DocumentID:    st.documentID,
		Branch:        name,
		ParentVersion: base.Version,
		Author:        author,
		Content:       []byte(string(st.content)),
		Description:   st.description(),
	})
	if err != nil {
		return fmt.Errorf("commit to branch %s: %w", name, err)
	}
	st.clearPending()
	c.deps.Events.Publish(st.documentID, events.EditBranched, author, version, "")
	c.logger.Warn().
		Str("documentId", st.documentID).
		Str("branch", name).
		Int("version", version.Version).
		Msg("conflicted edits kept on a side branch")
	return nil
}
