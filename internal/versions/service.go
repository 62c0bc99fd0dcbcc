package versions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

// Snapshot is the immutable content written for one version.
type Snapshot struct {
	ParentRef string
	Branch    string
	Author    string
	Message   string
	Content   []byte
	At        time.Time
}

// SnapshotStore persists snapshot content. Refs are opaque to callers.
type SnapshotStore interface {
	Put(ctx context.Context, documentID string, snap Snapshot) (string, error)
	Get(ctx context.Context, documentID, ref string) ([]byte, error)
	Remove(ctx context.Context, documentID string) error
}

// refAdvancer is implemented by snapshot stores that track branch heads.
type refAdvancer interface {
	Advance(ctx context.Context, documentID, branch, ref string) error
}

// historyLogger is implemented by snapshot stores that keep their own branch
// history, newest first.
type historyLogger interface {
	Log(ctx context.Context, documentID, branch string, limit int) ([]string, error)
}

type versionStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	CreateBranch(context.Context, store.Branch) error
	GetBranch(context.Context, string, string) (store.Branch, error)
	ListBranches(context.Context, string) ([]store.Branch, error)
	InsertVersion(context.Context, store.DocumentVersion) error
	GetVersion(context.Context, string) (store.DocumentVersion, error)
	LatestVersion(context.Context, string, string) (*store.DocumentVersion, error)
	ListVersions(context.Context, string, string, int, int) ([]store.DocumentVersion, error)
	MarkVersionApproved(context.Context, string) error
	AddVersionTags(context.Context, string, []string) (store.DocumentVersion, error)
}

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

type Service struct {
	store     versionStore
	snapshots SnapshotStore
	logger    zerolog.Logger
	now       func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(st versionStore, snapshots SnapshotStore, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "versions").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

type CommitInput struct {
	DocumentID string
	Branch     string
	// ParentVersion is the head version number the content was edited
	// against; 0 for the first commit of a document.
	ParentVersion int
	Author        string
	Content       []byte
	Description   string
	Tags          []string
}

// Commit claims ParentVersion+1 on the branch. ErrConflict means the branch
// head moved; the caller should rebase onto the new head and retry.
func (s *Service) Commit(ctx context.Context, input CommitInput) (store.DocumentVersion, error) {
	if strings.TrimSpace(input.DocumentID) == "" || strings.TrimSpace(input.Author) == "" {
		return store.DocumentVersion{}, apperr.New(apperr.ErrValidation, "documentId and author are required")
	}
	branch := normalizeBranch(input.Branch)

	lock := s.documentLock(input.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetDocument(ctx, input.DocumentID); err != nil {
		return store.DocumentVersion{}, err
	}
	head, err := s.head(ctx, input.DocumentID, branch)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	headNumber := 0
	if head != nil {
		headNumber = head.Version
	}
	if input.ParentVersion != headNumber {
		return store.DocumentVersion{}, apperr.WithDetails(apperr.ErrConflict, "branch head has moved", map[string]any{
			"branch":        branch,
			"headVersion":   headNumber,
			"parentVersion": input.ParentVersion,
		})
	}

	now := s.now()
	var (
		parentContent []byte
		parentRef     string
		parentID      string
	)
	if head != nil {
		parentContent, err = s.snapshots.Get(ctx, input.DocumentID, head.SnapshotRef)
		if err != nil {
			return store.DocumentVersion{}, fmt.Errorf("load parent snapshot: %w", err)
		}
		parentRef = head.SnapshotRef
		parentID = head.ID
	}

	ref, err := s.snapshots.Put(ctx, input.DocumentID, Snapshot{
		ParentRef: parentRef,
		Branch:    branch,
		Author:    input.Author,
		Message:   commitMessage(input.Description, headNumber+1),
		Content:   input.Content,
		At:        now,
	})
	if err != nil {
		return store.DocumentVersion{}, fmt.Errorf("write snapshot: %w", err)
	}

	counts := countChanges(lineChanges(string(parentContent), string(input.Content), input.Author, now))
	version := store.DocumentVersion{
		ID:            util.NewID("ver"),
		DocumentID:    input.DocumentID,
		Branch:        branch,
		Version:       headNumber + 1,
		ParentID:      parentID,
		Author:        input.Author,
		CreatedAt:     now,
		SnapshotRef:   ref,
		ContentSize:   len(input.Content),
		Additions:     counts.additions,
		Deletions:     counts.deletions,
		Modifications: counts.modifications,
		Description:   input.Description,
		Tags:          cleanTags(input.Tags),
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return store.DocumentVersion{}, err
	}

	if advancer, ok := s.snapshots.(refAdvancer); ok {
		if err := advancer.Advance(ctx, input.DocumentID, branch, ref); err != nil {
			s.logger.Warn().Err(err).Str("documentId", input.DocumentID).Str("branch", branch).Msg("advance snapshot ref")
		}
	}
	s.logger.Debug().
		Str("documentId", input.DocumentID).
		Str("branch", branch).
		Int("version", version.Version).
		Msg("version committed")
	return version, nil
}

// Diff returns the changes that turn fromVersionID into toVersionID.
// Diff(b, a) is the exact inverse of Diff(a, b).
func (s *Service) Diff(ctx context.Context, documentID, fromVersionID, toVersionID string) ([]Change, error) {
	from, err := s.versionInDocument(ctx, documentID, fromVersionID)
	if err != nil {
		return nil, err
	}
	to, err := s.versionInDocument(ctx, documentID, toVersionID)
	if err != nil {
		return nil, err
	}
	if from.ID == to.ID {
		return []Change{}, nil
	}

	earlier, later := from, to
	reversed := false
	if versionAfter(from, to) {
		earlier, later = to, from
		reversed = true
	}
	before, err := s.snapshots.Get(ctx, documentID, earlier.SnapshotRef)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", earlier.ID, err)
	}
	after, err := s.snapshots.Get(ctx, documentID, later.SnapshotRef)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", later.ID, err)
	}

	changes := lineChanges(string(before), string(after), later.Author, later.CreatedAt)
	if reversed {
		return invertChanges(changes), nil
	}
	return changes, nil
}

type ListInput struct {
	DocumentID string
	Branch     string
	// Before restricts results to version numbers below it; 0 means no bound.
	Before int
	Limit  int
}

// ListVersions returns the branch history newest first, including the
// versions inherited from the branch it was forked from.
func (s *Service) ListVersions(ctx context.Context, input ListInput) ([]store.DocumentVersion, error) {
	if _, err := s.store.GetDocument(ctx, input.DocumentID); err != nil {
		return nil, err
	}
	segments, err := s.lineage(ctx, input.DocumentID, normalizeBranch(input.Branch))
	if err != nil {
		return nil, err
	}

	items := make([]store.DocumentVersion, 0)
	for _, seg := range segments {
		before := seg.below
		if input.Before > 0 && (before == 0 || input.Before < before) {
			before = input.Before
		}
		remaining := 0
		if input.Limit > 0 {
			remaining = input.Limit - len(items)
			if remaining <= 0 {
				break
			}
		}
		page, err := s.store.ListVersions(ctx, input.DocumentID, seg.branch, before, remaining)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
	}
	return items, nil
}

// HistoryReport compares a branch's version rows with the history kept by the
// snapshot store.
type HistoryReport struct {
	Branch    string `json:"branch"`
	Versions  int    `json:"versions"`
	Supported bool   `json:"supported"`
	Intact    bool   `json:"intact"`
	// FirstMismatch is the newest version whose snapshot is not where the
	// store's history puts it; 0 when the histories only differ in length.
	FirstMismatch int `json:"firstMismatch,omitempty"`
}

// VerifyHistory walks the snapshot store's branch history alongside the
// version rows. Stores without their own history report Supported false.
func (s *Service) VerifyHistory(ctx context.Context, documentID, branch string) (HistoryReport, error) {
	branch = normalizeBranch(branch)
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	rows, err := s.ListVersions(ctx, ListInput{DocumentID: documentID, Branch: branch})
	if err != nil {
		return HistoryReport{}, err
	}
	report := HistoryReport{Branch: branch, Versions: len(rows)}
	history, ok := s.snapshots.(historyLogger)
	if !ok {
		return report, nil
	}
	report.Supported = true
	refs, err := history.Log(ctx, documentID, branch, 0)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return HistoryReport{}, fmt.Errorf("read snapshot history: %w", err)
	}

	report.Intact = len(refs) == len(rows)
	for i, row := range rows {
		if i >= len(refs) || refs[i] != row.SnapshotRef {
			report.Intact = false
			report.FirstMismatch = row.Version
			break
		}
	}
	if !report.Intact {
		s.logger.Warn().
			Str("documentId", documentID).
			Str("branch", branch).
			Int("firstMismatch", report.FirstMismatch).
			Msg("snapshot history diverges from version rows")
	}
	return report, nil
}

// CreateBranch forks a new history at fromVersionID. The branch shares history
// up to and including the fork version and continues numbering after it.
func (s *Service) CreateBranch(ctx context.Context, documentID, name, fromVersionID, actorID string) (store.Branch, error) {
	name = strings.TrimSpace(name)
	if !branchNamePattern.MatchString(name) || name == store.MainBranch {
		return store.Branch{}, apperr.Newf(apperr.ErrValidation, "invalid branch name %q", name)
	}
	from, err := s.versionInDocument(ctx, documentID, fromVersionID)
	if err != nil {
		return store.Branch{}, err
	}
	branch := store.Branch{
		DocumentID:    documentID,
		Name:          name,
		ForkedFrom:    from.Branch,
		ForkVersion:   from.Version,
		ForkVersionID: from.ID,
		CreatedBy:     actorID,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateBranch(ctx, branch); err != nil {
		return store.Branch{}, err
	}
	if advancer, ok := s.snapshots.(refAdvancer); ok {
		if err := advancer.Advance(ctx, documentID, name, from.SnapshotRef); err != nil {
			s.logger.Warn().Err(err).Str("documentId", documentID).Str("branch", name).Msg("advance snapshot ref for new branch")
		}
	}
	return branch, nil
}

func (s *Service) Branches(ctx context.Context, documentID string) ([]store.Branch, error) {
	return s.store.ListBranches(ctx, documentID)
}

// Head returns the newest version visible on branch, or nil for a document
// without versions.
func (s *Service) Head(ctx context.Context, documentID, branch string) (*store.DocumentVersion, error) {
	return s.head(ctx, documentID, normalizeBranch(branch))
}

func (s *Service) Get(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	return s.store.GetVersion(ctx, versionID)
}

func (s *Service) Content(ctx context.Context, versionID string) ([]byte, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.snapshots.Get(ctx, version.DocumentID, version.SnapshotRef)
}

func (s *Service) MarkApproved(ctx context.Context, versionID string) error {
	return s.store.MarkVersionApproved(ctx, versionID)
}

func (s *Service) Tag(ctx context.Context, versionID string, tags []string) (store.DocumentVersion, error) {
	cleaned := cleanTags(tags)
	if len(cleaned) == 0 {
		return store.DocumentVersion{}, apperr.New(apperr.ErrValidation, "at least one tag is required")
	}
	return s.store.AddVersionTags(ctx, versionID, cleaned)
}

// RemoveDocument drops all snapshot content of a deleted document.
func (s *Service) RemoveDocument(ctx context.Context, documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()
	return s.snapshots.Remove(ctx, documentID)
}

func (s *Service) head(ctx context.Context, documentID, branch string) (*store.DocumentVersion, error) {
	latest, err := s.store.LatestVersion(ctx, documentID, branch)
	if err != nil {
		return nil, err
	}
	if latest != nil || branch == store.MainBranch {
		return latest, nil
	}
	meta, err := s.store.GetBranch(ctx, documentID, branch)
	if err != nil {
		return nil, err
	}
	fork, err := s.store.GetVersion(ctx, meta.ForkVersionID)
	if err != nil {
		return nil, err
	}
	return &fork, nil
}

type segment struct {
	branch string
	// below is the exclusive upper bound on version numbers; 0 is unbounded.
	below int
}

func (s *Service) lineage(ctx context.Context, documentID, branch string) ([]segment, error) {
	segments := []segment{{branch: branch}}
	seen := map[string]bool{branch: true}
	current := branch
	for current != store.MainBranch {
		meta, err := s.store.GetBranch(ctx, documentID, current)
		if err != nil {
			return nil, err
		}
		if seen[meta.ForkedFrom] {
			return nil, fmt.Errorf("branch lineage cycle at %s", meta.ForkedFrom)
		}
		seen[meta.ForkedFrom] = true
		segments = append(segments, segment{branch: meta.ForkedFrom, below: meta.ForkVersion + 1})
		current = meta.ForkedFrom
	}
	return segments, nil
}

func (s *Service) versionInDocument(ctx context.Context, documentID, versionID string) (store.DocumentVersion, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if version.DocumentID != documentID {
		return store.DocumentVersion{}, apperr.Newf(apperr.ErrNotFound, "version %s not found in document", versionID)
	}
	return version, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

// versionAfter orders versions by number, then id, so diffs have one
// canonical direction across branches.
func versionAfter(a, b store.DocumentVersion) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.ID > b.ID
}

func normalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return store.MainBranch
	}
	return branch
}

func commitMessage(description string, number int) string {
	if strings.TrimSpace(description) == "" {
		return fmt.Sprintf("version %d", number)
	}
	return description
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// IsConflict reports whether err is an optimistic-concurrency failure.
func IsConflict(err error) bool {
	return errors.Is(err, apperr.ErrConflict)
}
