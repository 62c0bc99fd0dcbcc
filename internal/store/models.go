package store

import (
	"time"

	"docflow/api/internal/rbac"
)

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FolderID  string    `json:"folderId,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// TimeWindow bounds access to minutes after midnight in Location. EndMinute
// may be smaller than StartMinute for windows that wrap past midnight.
type TimeWindow struct {
	StartMinute int            `json:"startMinute"`
	EndMinute   int            `json:"endMinute"`
	Days        []time.Weekday `json:"days,omitempty"`
	Location    string         `json:"location,omitempty"`
}

type Conditions struct {
	IPAllowList []string    `json:"ipAllowList,omitempty"`
	TimeWindow  *TimeWindow `json:"timeWindow,omitempty"`
	Devices     []string    `json:"devices,omitempty"`
}

func (c *Conditions) Empty() bool {
	return c == nil || (len(c.IPAllowList) == 0 && c.TimeWindow == nil && len(c.Devices) == 0)
}

const (
	RevokeReasonRevoked    = "revoked"
	RevokeReasonSuperseded = "superseded"
	RevokeReasonLapsed     = "lapsed"
)

type Permission struct {
	ID            string            `json:"id"`
	ResourceType  rbac.ResourceType `json:"resourceType"`
	ResourceID    string            `json:"resourceId"`
	SubjectUserID string            `json:"subjectUserId"`
	Level         rbac.Level        `json:"level"`
	GrantedBy     string            `json:"grantedBy"`
	GrantedAt     time.Time         `json:"grantedAt"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	Conditions    *Conditions       `json:"conditions,omitempty"`
	RevokedAt     *time.Time        `json:"revokedAt,omitempty"`
	RevokedBy     string            `json:"revokedBy,omitempty"`
	RevokeReason  string            `json:"revokeReason,omitempty"`
}

func (p Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Active reports whether the permission is neither revoked nor lapsed at now.
func (p Permission) Active(now time.Time) bool {
	return p.RevokedAt == nil && !p.Expired(now)
}

func (p Permission) Resource() rbac.Resource {
	return rbac.Resource{Type: p.ResourceType, ID: p.ResourceID}
}

const (
	AuditGrant     = "grant"
	AuditRevoke    = "revoke"
	AuditSupersede = "supersede"
)

type AuditEntry struct {
	ID            string            `json:"id"`
	Action        string            `json:"action"`
	ActorID       string            `json:"actorId"`
	PermissionID  string            `json:"permissionId"`
	ResourceType  rbac.ResourceType `json:"resourceType"`
	ResourceID    string            `json:"resourceId"`
	SubjectUserID string            `json:"subjectUserId"`
	Level         rbac.Level        `json:"level"`
	At            time.Time         `json:"at"`
	Detail        string            `json:"detail,omitempty"`
}

const MainBranch = "main"

// Branch is an alternate history forked from ForkedFrom at ForkVersion.
// The implicit main branch has no row.
type Branch struct {
	DocumentID    string    `json:"documentId"`
	Name          string    `json:"name"`
	ForkedFrom    string    `json:"forkedFrom"`
	ForkVersion   int       `json:"forkVersion"`
	ForkVersionID string    `json:"forkVersionId"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

type DocumentVersion struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	Branch        string    `json:"branch"`
	Version       int       `json:"version"`
	ParentID      string    `json:"parentId,omitempty"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"timestamp"`
	SnapshotRef   string    `json:"snapshotRef"`
	ContentSize   int       `json:"contentSize"`
	Additions     int       `json:"additions"`
	Deletions     int       `json:"deletions"`
	Modifications int       `json:"modifications"`
	Description   string    `json:"description"`
	Approved      bool      `json:"approved"`
	Tags          []string  `json:"tags"`
}

type Position struct {
	Page int     `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type Comment struct {
	ID          string              `json:"id"`
	DocumentID  string              `json:"documentId"`
	VersionID   string              `json:"versionId"`
	Position    Position            `json:"position"`
	Author      string              `json:"author"`
	Content     string              `json:"content"`
	Mentions    []string            `json:"mentions"`
	CreatedAt   time.Time           `json:"timestamp"`
	Resolved    bool                `json:"resolved"`
	ResolvedBy  string              `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time          `json:"resolvedAt,omitempty"`
	Replies     []Reply             `json:"replies"`
	Transitions []CommentTransition `json:"transitions"`
}

type Reply struct {
	ID        string    `json:"id"`
	CommentID string    `json:"commentId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions"`
	CreatedAt time.Time `json:"timestamp"`
}

const (
	TransitionResolve = "resolve"
	TransitionReopen  = "reopen"
)

type CommentTransition struct {
	CommentID string    `json:"commentId"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actorId"`
	At        time.Time `json:"at"`
}

type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepRejected   StepStatus = "rejected"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Approval struct {
	ApproverID string    `json:"approverId"`
	At         time.Time `json:"at"`
}

type WorkflowStep struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Assignees         []string   `json:"assignees"`
	Status            StepStatus `json:"status"`
	RequiredApprovals int        `json:"requiredApprovals"`
	CurrentApprovals  int        `json:"currentApprovals"`
	Approvals         []Approval `json:"approvals"`
	DueDate           *time.Time `json:"dueDate,omitempty"`
	RejectedBy        string     `json:"rejectedBy,omitempty"`
	RejectReason      string     `json:"rejectReason,omitempty"`
}

func (s WorkflowStep) HasAssignee(userID string) bool {
	for _, assignee := range s.Assignees {
		if assignee == userID {
			return true
		}
	}
	return false
}

func (s WorkflowStep) ApprovedBy(userID string) bool {
	for _, approval := range s.Approvals {
		if approval.ApproverID == userID {
			return true
		}
	}
	return false
}

type Workflow struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"documentId"`
	Name         string         `json:"name"`
	Status       WorkflowStatus `json:"status"`
	Steps        []WorkflowStep `json:"steps"`
	CreatedBy    string         `json:"createdBy"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Priority     Priority       `json:"priority"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	CancelReason string         `json:"cancelReason,omitempty"`
	Revision     int            `json:"revision"`
}

// ActiveStep returns the index of the in-progress step, or -1.
func (w Workflow) ActiveStep() int {
	if w.Status != WorkflowActive {
		return -1
	}
	for i, step := range w.Steps {
		if step.Status == StepInProgress {
			return i
		}
	}
	return -1
}
