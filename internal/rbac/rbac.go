package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docflow/api/internal/apperr"
)

// Level is a point on the ordered scale view < comment < edit < admin < owner.
type Level string
type Action string
type Role string
type ResourceType string

const (
	LevelView    Level = "view"
	LevelComment Level = "comment"
	LevelEdit    Level = "edit"
	LevelAdmin   Level = "admin"
	LevelOwner   Level = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionShare   Action = "share"
	ActionAdmin   Action = "admin"
	ActionDelete  Action = "delete"
)

const (
	RoleNone      Role = "none"
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

const (
	ResourceDocument ResourceType = "document"
	ResourceFolder   ResourceType = "folder"
	ResourceWorkflow ResourceType = "workflow"
	ResourceSystem   ResourceType = "system"
)

// SystemResourceID is the single resource id used for system-wide grants.
const SystemResourceID = "global"

var levelRank = map[Level]int{
	LevelView:    1,
	LevelComment: 2,
	LevelEdit:    3,
	LevelAdmin:   4,
	LevelOwner:   5,
}

// Rank returns 0 for levels outside the enum.
func (l Level) Rank() int {
	return levelRank[l]
}

func (l Level) Valid() bool {
	return l.Rank() > 0
}

// AtLeast reports whether l implies required.
func (l Level) AtLeast(required Level) bool {
	return l.Valid() && required.Valid() && l.Rank() >= required.Rank()
}

func ParseLevel(value string) (Level, error) {
	level := Level(strings.ToLower(strings.TrimSpace(value)))
	if !level.Valid() {
		return "", apperr.Newf(apperr.ErrInvalidLevel, "level must be one of view, comment, edit, admin, owner (got %q)", value)
	}
	return level, nil
}

func ParseResourceType(value string) (ResourceType, error) {
	resourceType := ResourceType(strings.ToLower(strings.TrimSpace(value)))
	switch resourceType {
	case ResourceDocument, ResourceFolder, ResourceWorkflow, ResourceSystem:
		return resourceType, nil
	default:
		return "", apperr.Newf(apperr.ErrValidation, "resourceType must be one of document, folder, workflow, system (got %q)", value)
	}
}

// Required maps an action onto the minimum level that permits it.
func Required(action Action) Level {
	switch action {
	case ActionRead:
		return LevelView
	case ActionComment:
		return LevelComment
	case ActionWrite:
		return LevelEdit
	case ActionShare, ActionAdmin:
		return LevelAdmin
	case ActionDelete:
		return LevelOwner
	default:
		return LevelOwner
	}
}

func Can(level Level, action Action) bool {
	return level.AtLeast(Required(action))
}

// RoleFor resolves the UI-facing role for an effective level. An empty level
// means the user holds no active grant.
func RoleFor(level Level) Role {
	switch level {
	case LevelView:
		return RoleViewer
	case LevelComment:
		return RoleCommenter
	case LevelEdit:
		return RoleEditor
	case LevelAdmin:
		return RoleAdmin
	case LevelOwner:
		return RoleOwner
	default:
		return RoleNone
	}
}

// Context is the request context permission conditions are evaluated against.
type Context struct {
	IP     string    `json:"ip,omitempty"`
	Time   time.Time `json:"time,omitempty"`
	Device string    `json:"device,omitempty"`
}

// Resource names one grantable thing.
type Resource struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id"`
}

func (r Resource) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

func Document(id string) Resource {
	return Resource{Type: ResourceDocument, ID: id}
}

func Folder(id string) Resource {
	return Resource{Type: ResourceFolder, ID: id}
}

func Workflow(id string) Resource {
	return Resource{Type: ResourceWorkflow, ID: id}
}

func System() Resource {
	return Resource{Type: ResourceSystem, ID: SystemResourceID}
}

type requestContextKey struct{}

// WithRequestContext attaches the caller's request attributes to ctx so
// domain services can evaluate conditional grants.
func WithRequestContext(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContext returns the attributes stored by WithRequestContext, or the
// zero Context.
func RequestContext(ctx context.Context) Context {
	rc, _ := ctx.Value(requestContextKey{}).(Context)
	return rc
}
