package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

// SystemActor is recorded as the granter of bootstrap grants.
const SystemActor = "system"

type permissionStore interface {
	InsertGrant(context.Context, store.Permission, time.Time) (*store.Permission, error)
	RevokePermission(context.Context, string, string, time.Time) (store.Permission, bool, error)
	GetPermission(context.Context, string) (store.Permission, error)
	CurrentPermission(context.Context, rbac.Resource, string) (*store.Permission, error)
	ListPermissions(context.Context, rbac.Resource) ([]store.Permission, error)
	ListAudit(context.Context, rbac.Resource) ([]store.AuditEntry, error)
	GetDocument(context.Context, string) (store.Document, error)
}

type Ledger struct {
	store  permissionStore
	logger zerolog.Logger
	now    func() time.Time
}

func New(st permissionStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  st,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type GrantInput struct {
	GranterID     string
	Context       rbac.Context
	Resource      rbac.Resource
	SubjectUserID string
	Level         string
	ExpiresAt     *time.Time
	Conditions    *store.Conditions
}

// Decision is the outcome of a permission check. Matched is the grant that
// produced the effective level, if any; Role is that level as the client
// presents it.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Level   rbac.Level        `json:"level,omitempty"`
	Role    rbac.Role         `json:"role"`
	Matched *store.Permission `json:"matchedPermission,omitempty"`
}

var denied = Decision{Role: rbac.RoleNone}

// Grant creates a permission for the subject, superseding any active grant on
// the same (resource, subject) slot.
func (l *Ledger) Grant(ctx context.Context, input GrantInput) (store.Permission, error) {
	level, err := rbac.ParseLevel(input.Level)
	if err != nil {
		return store.Permission{}, err
	}
	resource, err := normalizeResource(input.Resource)
	if err != nil {
		return store.Permission{}, err
	}
	subject := strings.TrimSpace(input.SubjectUserID)
	if subject == "" {
		return store.Permission{}, apperr.New(apperr.ErrValidation, "subjectUserId is required")
	}
	now := l.now()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return store.Permission{}, apperr.New(apperr.ErrValidation, "expiresAt must be in the future")
	}
	if err := validateConditions(input.Conditions); err != nil {
		return store.Permission{}, err
	}

	granter := l.Decide(ctx, input.GranterID, resource, rbac.LevelAdmin, input.Context)
	if !granter.Allowed {
		return store.Permission{}, apperr.New(apperr.ErrUnauthorized, "granter must hold admin or owner on the resource")
	}
	if level == rbac.LevelOwner && granter.Level != rbac.LevelOwner {
		return store.Permission{}, apperr.New(apperr.ErrUnauthorized, "only an owner can grant owner")
	}
	current, err := l.store.CurrentPermission(ctx, resource, subject)
	if err != nil {
		return store.Permission{}, err
	}
	if current != nil && current.Active(now) && current.Level.Rank() > granter.Level.Rank() {
		return store.Permission{}, apperr.New(apperr.ErrUnauthorized, "cannot supersede a grant above your own level")
	}

	permission := store.Permission{
		ID:            util.NewID("perm"),
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		SubjectUserID: subject,
		Level:         level,
		GrantedBy:     input.GranterID,
		GrantedAt:     now,
		ExpiresAt:     input.ExpiresAt,
	}
	if !input.Conditions.Empty() {
		permission.Conditions = input.Conditions
	}
	superseded, err := l.store.InsertGrant(ctx, permission, now)
	if err != nil {
		return store.Permission{}, err
	}

	event := l.logger.Info().
		Str("permissionId", permission.ID).
		Str("resource", resource.String()).
		Str("subject", subject).
		Str("level", string(level)).
		Str("granter", input.GranterID)
	if superseded != nil {
		event = event.Str("superseded", superseded.ID)
	}
	event.Msg("permission granted")
	return permission, nil
}

// Check never fails; store errors deny and are logged.
func (l *Ledger) Check(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) bool {
	return l.Decide(ctx, userID, resource, required, rc).Allowed
}

// Decide resolves the effective level of userID on resource. Documents inherit
// grants on their folder, and every resource inherits system grants.
func (l *Ledger) Decide(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) Decision {
	if strings.TrimSpace(userID) == "" || !required.Valid() {
		return denied
	}
	if rc.Time.IsZero() {
		rc.Time = l.now()
	}
	resource, err := normalizeResource(resource)
	if err != nil {
		return denied
	}

	var best *store.Permission
	for _, candidate := range l.candidates(ctx, resource) {
		permission, err := l.store.CurrentPermission(ctx, candidate, userID)
		if err != nil {
			l.logger.Error().Err(err).Str("resource", candidate.String()).Str("user", userID).Msg("permission lookup failed; denying")
			return denied
		}
		if permission == nil || !permission.Active(rc.Time) || !conditionsMatch(permission.Conditions, rc) {
			continue
		}
		if best == nil || permission.Level.Rank() > best.Level.Rank() {
			best = permission
		}
	}
	if best == nil {
		return denied
	}
	return Decision{Allowed: best.Level.AtLeast(required), Level: best.Level, Role: rbac.RoleFor(best.Level), Matched: best}
}

// Can reports whether userID's effective level on resource permits action.
func (l *Ledger) Can(ctx context.Context, userID string, resource rbac.Resource, action rbac.Action, rc rbac.Context) bool {
	return rbac.Can(l.Decide(ctx, userID, resource, rbac.LevelView, rc).Level, action)
}

// RoleOf resolves the role userID holds on resource, RoleNone without an
// active matching grant.
func (l *Ledger) RoleOf(ctx context.Context, userID string, resource rbac.Resource, rc rbac.Context) rbac.Role {
	return l.Decide(ctx, userID, resource, rbac.LevelView, rc).Role
}

func (l *Ledger) candidates(ctx context.Context, resource rbac.Resource) []rbac.Resource {
	out := []rbac.Resource{resource}
	if resource.Type == rbac.ResourceDocument {
		doc, err := l.store.GetDocument(ctx, resource.ID)
		if err == nil && doc.FolderID != "" {
			out = append(out, rbac.Folder(doc.FolderID))
		}
	}
	if resource.Type != rbac.ResourceSystem {
		out = append(out, rbac.System())
	}
	return out
}

// Revoke is idempotent for permissions that are already revoked or lapsed.
func (l *Ledger) Revoke(ctx context.Context, granterID string, rc rbac.Context, permissionID string) (store.Permission, error) {
	permission, err := l.store.GetPermission(ctx, permissionID)
	if err != nil {
		return store.Permission{}, err
	}
	granter := l.Decide(ctx, granterID, permission.Resource(), rbac.LevelAdmin, rc)
	if !granter.Allowed {
		return store.Permission{}, apperr.New(apperr.ErrUnauthorized, "granter must hold admin or owner on the resource")
	}
	if permission.Level == rbac.LevelOwner && granter.Level != rbac.LevelOwner {
		return store.Permission{}, apperr.New(apperr.ErrUnauthorized, "only an owner can revoke an owner grant")
	}
	revoked, changed, err := l.store.RevokePermission(ctx, permissionID, granterID, l.now())
	if err != nil {
		return store.Permission{}, err
	}
	if changed {
		l.logger.Info().Str("permissionId", permissionID).Str("granter", granterID).Msg("permission revoked")
	}
	return revoked, nil
}

// List returns every grant on the resource, including lapsed and revoked ones.
func (l *Ledger) List(ctx context.Context, actorID string, rc rbac.Context, resource rbac.Resource) ([]store.Permission, error) {
	resource, err := l.requireAdmin(ctx, actorID, rc, resource)
	if err != nil {
		return nil, err
	}
	return l.store.ListPermissions(ctx, resource)
}

func (l *Ledger) Audit(ctx context.Context, actorID string, rc rbac.Context, resource rbac.Resource) ([]store.AuditEntry, error) {
	resource, err := l.requireAdmin(ctx, actorID, rc, resource)
	if err != nil {
		return nil, err
	}
	return l.store.ListAudit(ctx, resource)
}

// BootstrapOwner grants owner without an authorization check. It is used when
// a resource is created.
func (l *Ledger) BootstrapOwner(ctx context.Context, resource rbac.Resource, userID string) (store.Permission, error) {
	resource, err := normalizeResource(resource)
	if err != nil {
		return store.Permission{}, err
	}
	now := l.now()
	permission := store.Permission{
		ID:            util.NewID("perm"),
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		SubjectUserID: userID,
		Level:         rbac.LevelOwner,
		GrantedBy:     SystemActor,
		GrantedAt:     now,
	}
	if _, err := l.store.InsertGrant(ctx, permission, now); err != nil {
		return store.Permission{}, err
	}
	return permission, nil
}

func (l *Ledger) requireAdmin(ctx context.Context, actorID string, rc rbac.Context, resource rbac.Resource) (rbac.Resource, error) {
	resource, err := normalizeResource(resource)
	if err != nil {
		return rbac.Resource{}, err
	}
	if !l.Check(ctx, actorID, resource, rbac.LevelAdmin, rc) {
		return rbac.Resource{}, apperr.New(apperr.ErrUnauthorized, "admin access required")
	}
	return resource, nil
}

func normalizeResource(resource rbac.Resource) (rbac.Resource, error) {
	if _, err := rbac.ParseResourceType(string(resource.Type)); err != nil {
		return rbac.Resource{}, err
	}
	if resource.Type == rbac.ResourceSystem {
		return rbac.System(), nil
	}
	resource.ID = strings.TrimSpace(resource.ID)
	if resource.ID == "" {
		return rbac.Resource{}, apperr.New(apperr.ErrValidation, "resourceId is required")
	}
	return resource, nil
}
