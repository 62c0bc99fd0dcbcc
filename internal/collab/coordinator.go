// Package collab coordinates live editing sessions: presence, buffered edits
// with debounced commits, and the per-document event feed.
package collab

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/comments"
	"docflow/api/internal/events"
	"docflow/api/internal/presence"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
)

type authorizer interface {
	Check(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) bool
	RoleOf(ctx context.Context, userID string, resource rbac.Resource, rc rbac.Context) rbac.Role
}

type documentLookup interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

type versionService interface {
	Head(ctx context.Context, documentID, branch string) (*store.DocumentVersion, error)
	Content(ctx context.Context, versionID string) ([]byte, error)
	Commit(ctx context.Context, input versions.CommitInput) (store.DocumentVersion, error)
	CreateBranch(ctx context.Context, documentID, name, fromVersionID, actorID string) (store.Branch, error)
}

type commentService interface {
	Add(ctx context.Context, input comments.AddInput) (store.Comment, error)
	Reply(ctx context.Context, input comments.ReplyInput) (store.Reply, error)
	Resolve(ctx context.Context, commentID, actorID string) (store.Comment, error)
	Reopen(ctx context.Context, commentID, actorID string) (store.Comment, error)
	List(ctx context.Context, documentID, actorID string, openOnly bool) ([]store.Comment, error)
}

type workflowService interface {
	Approve(ctx context.Context, workflowID, stepID, approverID string) (store.Workflow, error)
	Reject(ctx context.Context, workflowID, stepID, actorID, reason string) (store.Workflow, error)
	Active(ctx context.Context, documentID string) (*store.Workflow, error)
}

type presenceTracker interface {
	Join(documentID, userID, subscriberID string) presence.Participant
	UpdateCursor(handle string, cursor presence.Cursor) error
	UpdateSelection(handle string, selection *presence.Selection) error
	SetTyping(handle string, typing bool) error
	Heartbeat(handle string) error
	Leave(handle string) error
	EvictDocument(documentID string)
	List(documentID string) []presence.Participant
}

type eventHub interface {
	Subscribe(ctx context.Context, documentID string) (<-chan events.Event, string)
	Unsubscribe(documentID, subID string)
	Publish(documentID, eventType, actor string, payload any, excludeSubID string) events.Event
	Forget(documentID string)
}

type Deps struct {
	Access    authorizer
	Documents documentLookup
	Versions  versionService
	Comments  commentService
	Workflows workflowService
	Presence  presenceTracker
	Events    eventHub
}

type Options struct {
	// Debounce is the quiet period after the last edit before a commit.
	Debounce time.Duration
	// MaxDelay bounds how long an edit can stay uncommitted under continuous
	// typing.
	MaxDelay time.Duration
}

type Coordinator struct {
	deps     Deps
	debounce time.Duration
	maxDelay time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	docs map[string]*docState
}

// docState is the buffered working copy of one document. mu is the
// document's serialization point for edits and commits.
type docState struct {
	mu          sync.Mutex
	documentID  string
	sessions    map[string]*Session
	closed      bool
	baseVersion int
	head        *store.DocumentVersion
	content     []rune
	dirty       bool
	conflict    *store.DocumentVersion
	authors     []string
	firstEdit   time.Time
	timer       *time.Timer
	generation  uint64
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.MaxDelay < opts.Debounce {
		opts.MaxDelay = opts.Debounce
	}
	return &Coordinator{
		deps:     deps,
		debounce: opts.Debounce,
		maxDelay: opts.MaxDelay,
		logger:   logger.With().Str("component", "collab").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		docs:     make(map[string]*docState),
	}
}

// Session is one user's live connection to a document.
type Session struct {
	ID             string
	DocumentID     string
	UserID         string
	SubscriptionID string
	Participant    presence.Participant
	Events         <-chan events.Event

	cancel context.CancelFunc
}

// Snapshot is the state a client needs to render a freshly opened document.
type Snapshot struct {
	Document     store.Document         `json:"document"`
	Head         *store.DocumentVersion `json:"head"`
	Content      string                 `json:"content"`
	Pending      bool                   `json:"pending"`
	Comments     []store.Comment        `json:"comments"`
	Workflow     *store.Workflow        `json:"workflow"`
	Participants []presence.Participant `json:"participants"`
	Self         presence.Participant   `json:"self"`
	Role         rbac.Role              `json:"role"`
}

func (c *Coordinator) Open(ctx context.Context, documentID, userID string) (*Session, Snapshot, error) {
	if !c.allowed(ctx, userID, documentID, rbac.LevelView) {
		return nil, Snapshot{}, apperr.New(apperr.ErrForbidden, "view access required")
	}
	doc, err := c.deps.Documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, Snapshot{}, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	feed, subID := c.deps.Events.Subscribe(subCtx, documentID)
	session := &Session{
		DocumentID:     documentID,
		UserID:         userID,
		SubscriptionID: subID,
		Events:         feed,
		cancel:         cancel,
	}

	st, err := c.attach(ctx, session)
	if err != nil {
		cancel()
		return nil, Snapshot{}, err
	}
	head, content, pending := st.head, string(st.content), st.dirty
	st.mu.Unlock()

	session.Participant = c.deps.Presence.Join(documentID, userID, subID)
	session.ID = session.Participant.Handle

	snapshot := Snapshot{
		Document: doc,
		Head:     head,
		Content:  content,
		Pending:  pending,
		Self:     session.Participant,
		Role:     c.deps.Access.RoleOf(ctx, userID, rbac.Document(documentID), rbac.RequestContext(ctx)),
	}
	if snapshot.Comments, err = c.deps.Comments.List(ctx, documentID, userID, true); err != nil {
		c.Close(context.Background(), session)
		return nil, Snapshot{}, err
	}
	if snapshot.Workflow, err = c.deps.Workflows.Active(ctx, documentID); err != nil {
		c.Close(context.Background(), session)
		return nil, Snapshot{}, err
	}
	snapshot.Participants = c.deps.Presence.List(documentID)

	c.logger.Info().Str("documentId", documentID).Str("user", userID).Str("session", session.ID).Msg("session opened")
	return session, snapshot, nil
}

// attach registers session with the document state, loading the head on
// first use. It returns with st.mu held.
func (c *Coordinator) attach(ctx context.Context, session *Session) (*docState, error) {
	for {
		st := c.state(session.DocumentID)
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			continue
		}
		if st.sessions == nil {
			if err := c.load(ctx, st); err != nil {
				st.closed = true
				st.mu.Unlock()
				c.drop(st)
				return nil, err
			}
			st.sessions = make(map[string]*Session)
		}
		st.sessions[session.SubscriptionID] = session
		return st, nil
	}
}

// load replaces the working copy with the main head. st is untouched on error.
func (c *Coordinator) load(ctx context.Context, st *docState) error {
	head, err := c.deps.Versions.Head(ctx, st.documentID, store.MainBranch)
	if err != nil {
		return err
	}
	content := []rune{}
	base := 0
	if head != nil {
		raw, err := c.deps.Versions.Content(ctx, head.ID)
		if err != nil {
			return err
		}
		content = []rune(string(raw))
		base = head.Version
	}
	st.head = head
	st.content = content
	st.baseVersion = base
	return nil
}

func (c *Coordinator) state(documentID string) *docState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.docs[documentID]
	if !ok {
		st = &docState{documentID: documentID}
		c.docs[documentID] = st
	}
	return st
}

// drop forgets st; callers must have marked it closed or never attached.
func (c *Coordinator) drop(st *docState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs[st.documentID] == st {
		delete(c.docs, st.documentID)
	}
}

func (c *Coordinator) lookup(documentID string) (*docState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.docs[documentID]
	return st, ok
}

type EditResult struct {
	BaseVersion int `json:"baseVersion"`
	Length      int `json:"length"`
}

// ApplyEdit applies delta to the working copy and schedules a commit after
// the debounce period, or sooner if the oldest pending edit would otherwise
// exceed the max delay.
func (c *Coordinator) ApplyEdit(ctx context.Context, session *Session, delta Delta) (EditResult, error) {
	if !c.allowed(ctx, session.UserID, session.DocumentID, rbac.LevelEdit) {
		return EditResult{}, apperr.New(apperr.ErrForbidden, "edit access required")
	}
	st, err := c.sessionState(session)
	if err != nil {
		return EditResult{}, err
	}
	defer st.mu.Unlock()
	if st.conflict != nil {
		return EditResult{}, st.conflictError()
	}

	if delta.empty() {
		return EditResult{BaseVersion: st.baseVersion, Length: len(st.content)}, nil
	}
	next, err := delta.apply(st.content)
	if err != nil {
		return EditResult{}, err
	}
	now := c.now()
	st.content = next
	if !st.dirty {
		st.dirty = true
		st.firstEdit = now
		st.authors = st.authors[:0]
	}
	st.addAuthor(session.UserID)
	c.schedule(st, now)

	c.deps.Events.Publish(session.DocumentID, events.EditApplied, session.UserID, map[string]any{
		"delta":       delta,
		"baseVersion": st.baseVersion,
		"length":      len(st.content),
	}, session.SubscriptionID)
	return EditResult{BaseVersion: st.baseVersion, Length: len(st.content)}, nil
}

func (st *docState) addAuthor(userID string) {
	for _, a := range st.authors {
		if a == userID {
			return
		}
	}
	st.authors = append(st.authors, userID)
}

// schedule replaces any pending timer. Caller holds st.mu.
func (c *Coordinator) schedule(st *docState, now time.Time) {
	delay := c.debounce
	if remaining := c.maxDelay - now.Sub(st.firstEdit); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.generation++
	generation := st.generation
	st.timer = time.AfterFunc(delay, func() {
		c.flushScheduled(st, generation)
	})
}

func (c *Coordinator) flushScheduled(st *docState, generation uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.generation != generation || !st.dirty || st.conflict != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.commitLocked(ctx, st); err != nil {
		c.logger.Error().Err(err).Str("documentId", st.documentID).Msg("debounced commit failed")
	}
}

// Flush commits pending edits now. It returns nil when nothing was pending.
func (c *Coordinator) Flush(ctx context.Context, documentID string) (*store.DocumentVersion, error) {
	st, ok := c.lookup(documentID)
	if !ok {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || !st.dirty {
		return nil, nil
	}
	return c.commitLocked(ctx, st)
}

// commitLocked writes the working copy as the next main version. If the head
// moved underneath the buffer nothing is committed: the document enters
// conflict and keeps its buffer until a session rebases or reloads. Caller
// holds st.mu.
func (c *Coordinator) commitLocked(ctx context.Context, st *docState) (*store.DocumentVersion, error) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.conflict != nil {
		return nil, st.conflictError()
	}
	author := st.lastAuthor()
	version, err := c.deps.Versions.Commit(ctx, versions.CommitInput{
		DocumentID:    st.documentID,
		Branch:        store.MainBranch,
		ParentVersion: st.baseVersion,
		Author:        author,
		Content:       []byte(string(st.content)),
		Description:   st.description(),
	})
	if err != nil {
		if versions.IsConflict(err) {
			return nil, c.conflictLocked(ctx, st, err)
		}
		return nil, err
	}
	st.baseVersion = version.Version
	st.head = &version
	st.clearPending()
	c.deps.Events.Publish(st.documentID, events.EditCommitted, author, version, "")
	c.logger.Info().Str("documentId", st.documentID).Int("version", version.Version).Msg("edits committed")
	return &version, nil
}

func (st *docState) lastAuthor() string {
	if len(st.authors) == 0 {
		return ""
	}
	return st.authors[len(st.authors)-1]
}

func (st *docState) description() string {
	return "Live edits by " + strings.Join(st.authors, ", ")
}

func (st *docState) clearPending() {
	st.dirty = false
	st.conflict = nil
	st.authors = st.authors[:0]
	st.firstEdit = time.Time{}
}

func (c *Coordinator) sessionState(session *Session) (*docState, error) {
	st, ok := c.lookup(session.DocumentID)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "session is not open")
	}
	st.mu.Lock()
	if st.closed || st.sessions[session.SubscriptionID] == nil {
		st.mu.Unlock()
		return nil, apperr.New(apperr.ErrNotFound, "session is not open")
	}
	return st, nil
}

// Close ends the session. The last session on a document commits pending
// edits and releases the working copy.
func (c *Coordinator) Close(ctx context.Context, session *Session) {
	if session.ID != "" {
		_ = c.deps.Presence.Leave(session.ID)
	}
	session.cancel()
	c.deps.Events.Unsubscribe(session.DocumentID, session.SubscriptionID)

	st, ok := c.lookup(session.DocumentID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	delete(st.sessions, session.SubscriptionID)
	if len(st.sessions) > 0 {
		return
	}
	c.settleLocked(ctx, st)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.closed = true
	c.drop(st)
	c.logger.Info().Str("documentId", session.DocumentID).Msg("last session closed")
}

// EvictDocument discards the working copy and every session of a deleted
// document without committing.
func (c *Coordinator) EvictDocument(documentID string) {
	if st, ok := c.lookup(documentID); ok {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.closed = true
		for _, session := range st.sessions {
			session.cancel()
		}
		st.mu.Unlock()
		c.drop(st)
	}
	c.deps.Presence.EvictDocument(documentID)
	c.deps.Events.Forget(documentID)
}

// Shutdown commits every document with pending edits. Conflicted buffers are
// kept on side branches.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	states := make([]*docState, 0, len(c.docs))
	for _, st := range c.docs {
		states = append(states, st)
	}
	c.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].documentID < states[j].documentID })

	for _, st := range states {
		st.mu.Lock()
		if !st.closed {
			c.settleLocked(ctx, st)
		}
		st.mu.Unlock()
	}
}

// Sessions returns the number of open sessions on documentID.
func (c *Coordinator) Sessions(documentID string) int {
	st, ok := c.lookup(documentID)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (c *Coordinator) allowed(ctx context.Context, userID, documentID string, level rbac.Level) bool {
	return c.deps.Access.Check(ctx, userID, rbac.Document(documentID), level, rbac.RequestContext(ctx))
}
