package store

import (
	"context"
	"time"

	"docflow/api/internal/rbac"
)

// Store is the full persistence surface. Domain packages depend on narrower
// views of it; this interface exists so the process can pick a backend.
type Store interface {
	CreateFolder(ctx context.Context, folder Folder) error
	GetFolder(ctx context.Context, folderID string) (Folder, error)
	DeleteFolder(ctx context.Context, folderID string) error
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, documentID string) (Document, error)
	ListDocuments(ctx context.Context, folderID string) ([]Document, error)
	DeleteDocument(ctx context.Context, documentID string) error

	InsertGrant(ctx context.Context, permission Permission, now time.Time) (*Permission, error)
	RevokePermission(ctx context.Context, permissionID, actorID string, now time.Time) (Permission, bool, error)
	GetPermission(ctx context.Context, permissionID string) (Permission, error)
	CurrentPermission(ctx context.Context, resource rbac.Resource, subjectUserID string) (*Permission, error)
	ListPermissions(ctx context.Context, resource rbac.Resource) ([]Permission, error)
	ListAudit(ctx context.Context, resource rbac.Resource) ([]AuditEntry, error)

	CreateBranch(ctx context.Context, branch Branch) error
	GetBranch(ctx context.Context, documentID, name string) (Branch, error)
	ListBranches(ctx context.Context, documentID string) ([]Branch, error)
	InsertVersion(ctx context.Context, version DocumentVersion) error
	GetVersion(ctx context.Context, versionID string) (DocumentVersion, error)
	GetVersionByNumber(ctx context.Context, documentID, branch string, number int) (DocumentVersion, error)
	LatestVersion(ctx context.Context, documentID, branch string) (*DocumentVersion, error)
	ListVersions(ctx context.Context, documentID, branch string, before, limit int) ([]DocumentVersion, error)
	MarkVersionApproved(ctx context.Context, versionID string) error
	AddVersionTags(ctx context.Context, versionID string, tags []string) (DocumentVersion, error)

	InsertComment(ctx context.Context, comment Comment) error
	GetComment(ctx context.Context, commentID string) (Comment, error)
	InsertReply(ctx context.Context, reply Reply) error
	TransitionComment(ctx context.Context, transition CommentTransition) (Comment, error)
	ListComments(ctx context.Context, documentID string, openOnly bool) ([]Comment, error)

	InsertWorkflow(ctx context.Context, wf Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (Workflow, error)
	UpdateWorkflow(ctx context.Context, wf Workflow) (Workflow, error)
	ActiveWorkflow(ctx context.Context, documentID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, documentID string) ([]Workflow, error)
	ListActiveWorkflows(ctx context.Context) ([]Workflow, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
