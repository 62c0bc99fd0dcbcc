package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"docflow/api/internal/apperr"
	"docflow/api/internal/rbac"
	"docflow/api/internal/util"
)

// MemoryStore keeps everything in process. It is used when no DATABASE_URL is
// configured and by tests. All reads return copies.
type MemoryStore struct {
	mu          sync.RWMutex
	folders     map[string]Folder
	documents   map[string]Document
	permissions map[string]Permission
	audit       []AuditEntry
	branches    map[string]Branch // keyed by documentID + "/" + name
	versions    map[string]DocumentVersion
	comments    map[string]Comment
	workflows   map[string]Workflow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders:     make(map[string]Folder),
		documents:   make(map[string]Document),
		permissions: make(map[string]Permission),
		branches:    make(map[string]Branch),
		versions:    make(map[string]DocumentVersion),
		comments:    make(map[string]Comment),
		workflows:   make(map[string]Workflow),
	}
}

func (m *MemoryStore) CreateFolder(_ context.Context, folder Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folder.ID]; ok {
		return apperr.Newf(apperr.ErrConflict, "folder %s already exists", folder.ID)
	}
	m.folders[folder.ID] = folder
	return nil
}

func (m *MemoryStore) GetFolder(_ context.Context, folderID string) (Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	folder, ok := m.folders[folderID]
	if !ok {
		return Folder{}, apperr.New(apperr.ErrNotFound, "folder not found")
	}
	return folder, nil
}

func (m *MemoryStore) DeleteFolder(_ context.Context, folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folderID]; !ok {
		return apperr.New(apperr.ErrNotFound, "folder not found")
	}
	for _, doc := range m.documents {
		if doc.FolderID == folderID {
			return apperr.New(apperr.ErrConflict, "folder still contains documents")
		}
	}
	delete(m.folders, folderID)
	return nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.ID]; ok {
		return apperr.Newf(apperr.ErrConflict, "document %s already exists", doc.ID)
	}
	if doc.FolderID != "" {
		if _, ok := m.folders[doc.FolderID]; !ok {
			return apperr.New(apperr.ErrNotFound, "folder not found")
		}
	}
	m.documents[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return Document{}, apperr.New(apperr.ErrNotFound, "document not found")
	}
	return doc, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, folderID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Document, 0, len(m.documents))
	for _, doc := range m.documents {
		if folderID != "" && doc.FolderID != folderID {
			continue
		}
		items = append(items, doc)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// DeleteDocument removes the document and everything it owns. Permissions
// stay behind as audit records.
func (m *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return apperr.New(apperr.ErrNotFound, "document not found")
	}
	delete(m.documents, documentID)
	for key, branch := range m.branches {
		if branch.DocumentID == documentID {
			delete(m.branches, key)
		}
	}
	for id, version := range m.versions {
		if version.DocumentID == documentID {
			delete(m.versions, id)
		}
	}
	for id, comment := range m.comments {
		if comment.DocumentID == documentID {
			delete(m.comments, id)
		}
	}
	for id, wf := range m.workflows {
		if wf.DocumentID == documentID {
			delete(m.workflows, id)
		}
	}
	return nil
}

func (m *MemoryStore) InsertGrant(_ context.Context, permission Permission, now time.Time) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[permission.ID]; ok {
		return nil, apperr.Newf(apperr.ErrConflict, "permission %s already exists", permission.ID)
	}

	var closed *Permission
	if current := m.currentLocked(permission.Resource(), permission.SubjectUserID); current != nil {
		prior := *current
		wasActive := prior.Active(now)
		prior.RevokedAt = &now
		prior.RevokedBy = permission.GrantedBy
		prior.RevokeReason = RevokeReasonLapsed
		if wasActive {
			prior.RevokeReason = RevokeReasonSuperseded
			m.audit = append(m.audit, auditFor(AuditSupersede, permission.GrantedBy, prior, now, "superseded by "+permission.ID))
		}
		m.permissions[prior.ID] = prior
		closed = clonePermissionPtr(prior)
	}

	m.permissions[permission.ID] = clonePermission(permission)
	m.audit = append(m.audit, auditFor(AuditGrant, permission.GrantedBy, permission, now, ""))
	return closed, nil
}

func (m *MemoryStore) RevokePermission(_ context.Context, permissionID, actorID string, now time.Time) (Permission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	permission, ok := m.permissions[permissionID]
	if !ok {
		return Permission{}, false, apperr.New(apperr.ErrNotFound, "permission not found")
	}
	if !permission.Active(now) {
		return clonePermission(permission), false, nil
	}
	permission.RevokedAt = &now
	permission.RevokedBy = actorID
	permission.RevokeReason = RevokeReasonRevoked
	m.permissions[permissionID] = permission
	m.audit = append(m.audit, auditFor(AuditRevoke, actorID, permission, now, ""))
	return clonePermission(permission), true, nil
}

func (m *MemoryStore) GetPermission(_ context.Context, permissionID string) (Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	permission, ok := m.permissions[permissionID]
	if !ok {
		return Permission{}, apperr.New(apperr.ErrNotFound, "permission not found")
	}
	return clonePermission(permission), nil
}

func (m *MemoryStore) CurrentPermission(_ context.Context, resource rbac.Resource, subjectUserID string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current := m.currentLocked(resource, subjectUserID)
	if current == nil {
		return nil, nil
	}
	return clonePermissionPtr(*current), nil
}

func (m *MemoryStore) currentLocked(resource rbac.Resource, subjectUserID string) *Permission {
	for _, permission := range m.permissions {
		if permission.RevokedAt == nil && permission.Resource() == resource && permission.SubjectUserID == subjectUserID {
			p := permission
			return &p
		}
	}
	return nil
}

func (m *MemoryStore) ListPermissions(_ context.Context, resource rbac.Resource) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Permission, 0)
	for _, permission := range m.permissions {
		if permission.Resource() == resource {
			items = append(items, clonePermission(permission))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].GrantedAt.Equal(items[j].GrantedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].GrantedAt.Before(items[j].GrantedAt)
	})
	return items, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, resource rbac.Resource) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]AuditEntry, 0)
	for _, entry := range m.audit {
		if entry.ResourceType == resource.Type && entry.ResourceID == resource.ID {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (m *MemoryStore) CreateBranch(_ context.Context, branch Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[branch.DocumentID]; !ok {
		return apperr.New(apperr.ErrNotFound, "document not found")
	}
	key := branchKey(branch.DocumentID, branch.Name)
	if _, ok := m.branches[key]; ok {
		return apperr.Newf(apperr.ErrConflict, "branch %s already exists", branch.Name)
	}
	m.branches[key] = branch
	return nil
}

func (m *MemoryStore) GetBranch(_ context.Context, documentID, name string) (Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branch, ok := m.branches[branchKey(documentID, name)]
	if !ok {
		return Branch{}, apperr.New(apperr.ErrNotFound, "branch not found")
	}
	return branch, nil
}

func (m *MemoryStore) ListBranches(_ context.Context, documentID string) ([]Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Branch, 0)
	for _, branch := range m.branches {
		if branch.DocumentID == documentID {
			items = append(items, branch)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *MemoryStore) InsertVersion(_ context.Context, version DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[version.DocumentID]; !ok {
		return apperr.New(apperr.ErrNotFound, "document not found")
	}
	for _, existing := range m.versions {
		if existing.ID == version.ID || (existing.DocumentID == version.DocumentID && existing.Branch == version.Branch && existing.Version == version.Version) {
			return apperr.Newf(apperr.ErrConflict, "version %d already exists on %s", version.Version, version.Branch)
		}
	}
	m.versions[version.ID] = cloneVersion(version)
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, versionID string) (DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	version, ok := m.versions[versionID]
	if !ok {
		return DocumentVersion{}, apperr.New(apperr.ErrNotFound, "version not found")
	}
	return cloneVersion(version), nil
}

func (m *MemoryStore) GetVersionByNumber(_ context.Context, documentID, branch string, number int) (DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, version := range m.versions {
		if version.DocumentID == documentID && version.Branch == branch && version.Version == number {
			return cloneVersion(version), nil
		}
	}
	return DocumentVersion{}, apperr.New(apperr.ErrNotFound, "version not found")
}

func (m *MemoryStore) LatestVersion(_ context.Context, documentID, branch string) (*DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *DocumentVersion
	for _, version := range m.versions {
		if version.DocumentID != documentID || version.Branch != branch {
			continue
		}
		if latest == nil || version.Version > latest.Version {
			v := cloneVersion(version)
			latest = &v
		}
	}
	return latest, nil
}

func (m *MemoryStore) ListVersions(_ context.Context, documentID, branch string, before, limit int) ([]DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]DocumentVersion, 0)
	for _, version := range m.versions {
		if version.DocumentID != documentID || version.Branch != branch {
			continue
		}
		if before > 0 && version.Version >= before {
			continue
		}
		items = append(items, cloneVersion(version))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) MarkVersionApproved(_ context.Context, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[versionID]
	if !ok {
		return apperr.New(apperr.ErrNotFound, "version not found")
	}
	version.Approved = true
	m.versions[versionID] = version
	return nil
}

func (m *MemoryStore) AddVersionTags(_ context.Context, versionID string, tags []string) (DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[versionID]
	if !ok {
		return DocumentVersion{}, apperr.New(apperr.ErrNotFound, "version not found")
	}
	version.Tags = mergeTags(version.Tags, tags)
	m.versions[versionID] = version
	return cloneVersion(version), nil
}

func (m *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[comment.VersionID]
	if !ok || version.DocumentID != comment.DocumentID {
		return apperr.New(apperr.ErrNotFound, "version not found in document")
	}
	if _, ok := m.comments[comment.ID]; ok {
		return apperr.Newf(apperr.ErrConflict, "comment %s already exists", comment.ID)
	}
	m.comments[comment.ID] = cloneComment(comment)
	return nil
}

func (m *MemoryStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return Comment{}, apperr.New(apperr.ErrNotFound, "comment not found")
	}
	return cloneComment(comment), nil
}

func (m *MemoryStore) InsertReply(_ context.Context, reply Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[reply.CommentID]
	if !ok || comment.Resolved {
		return apperr.New(apperr.ErrNotFound, "open comment not found")
	}
	reply.Mentions = append([]string(nil), reply.Mentions...)
	comment.Replies = append(comment.Replies, reply)
	m.comments[comment.ID] = comment
	return nil
}

func (m *MemoryStore) TransitionComment(_ context.Context, transition CommentTransition) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[transition.CommentID]
	if !ok {
		return Comment{}, apperr.New(apperr.ErrNotFound, "comment not found")
	}
	switch transition.Action {
	case TransitionResolve:
		if comment.Resolved {
			return Comment{}, apperr.New(apperr.ErrConflict, "comment is already resolved")
		}
		at := transition.At
		comment.Resolved = true
		comment.ResolvedBy = transition.ActorID
		comment.ResolvedAt = &at
	case TransitionReopen:
		if !comment.Resolved {
			return Comment{}, apperr.New(apperr.ErrConflict, "comment is not resolved")
		}
		comment.Resolved = false
		comment.ResolvedBy = ""
		comment.ResolvedAt = nil
	default:
		return Comment{}, apperr.Newf(apperr.ErrValidation, "unknown transition %q", transition.Action)
	}
	comment.Transitions = append(comment.Transitions, transition)
	m.comments[comment.ID] = comment
	return cloneComment(comment), nil
}

func (m *MemoryStore) ListComments(_ context.Context, documentID string, openOnly bool) ([]Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Comment, 0)
	for _, comment := range m.comments {
		if comment.DocumentID != documentID || (openOnly && comment.Resolved) {
			continue
		}
		items = append(items, cloneComment(comment))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (m *MemoryStore) InsertWorkflow(_ context.Context, wf Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[wf.DocumentID]; !ok {
		return apperr.New(apperr.ErrNotFound, "document not found")
	}
	for _, existing := range m.workflows {
		if existing.ID == wf.ID {
			return apperr.Newf(apperr.ErrConflict, "workflow %s already exists", wf.ID)
		}
		if wf.Status == WorkflowActive && existing.DocumentID == wf.DocumentID && existing.Status == WorkflowActive {
			return apperr.New(apperr.ErrConflict, "document already has an active workflow")
		}
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, workflowID string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return Workflow{}, apperr.New(apperr.ErrNotFound, "workflow not found")
	}
	return cloneWorkflow(wf), nil
}

// UpdateWorkflow stores wf if the stored revision still equals wf.Revision and
// returns the stored copy with the bumped revision.
func (m *MemoryStore) UpdateWorkflow(_ context.Context, wf Workflow) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[wf.ID]
	if !ok {
		return Workflow{}, apperr.New(apperr.ErrNotFound, "workflow not found")
	}
	if existing.Revision != wf.Revision {
		return Workflow{}, apperr.New(apperr.ErrConflict, "workflow was modified concurrently")
	}
	wf.Revision++
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return cloneWorkflow(wf), nil
}

func (m *MemoryStore) ActiveWorkflow(_ context.Context, documentID string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, wf := range m.workflows {
		if wf.DocumentID == documentID && wf.Status == WorkflowActive {
			result := cloneWorkflow(wf)
			return &result, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, documentID string) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Workflow, 0)
	for _, wf := range m.workflows {
		if documentID == "" || wf.DocumentID == documentID {
			items = append(items, cloneWorkflow(wf))
		}
	}
	sortWorkflows(items)
	return items, nil
}

func (m *MemoryStore) ListActiveWorkflows(_ context.Context) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Workflow, 0)
	for _, wf := range m.workflows {
		if wf.Status == WorkflowActive {
			items = append(items, cloneWorkflow(wf))
		}
	}
	sortWorkflows(items)
	return items, nil
}

func sortWorkflows(items []Workflow) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func branchKey(documentID, name string) string {
	return documentID + "/" + name
}

func auditFor(action, actorID string, permission Permission, at time.Time, detail string) AuditEntry {
	return AuditEntry{
		ID:            util.NewID("aud"),
		Action:        action,
		ActorID:       actorID,
		PermissionID:  permission.ID,
		ResourceType:  permission.ResourceType,
		ResourceID:    permission.ResourceID,
		SubjectUserID: permission.SubjectUserID,
		Level:         permission.Level,
		At:            at,
		Detail:        detail,
	}
}
