package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docflow/api/internal/apperr"
	"docflow/api/internal/rbac"
	"docflow/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err, "commit "+op, op+" target not found")
	}
	return nil
}

func (s *PostgresStore) CreateFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, created_by, created_at)
		VALUES ($1, $2, $3, $4)
	`, folder.ID, folder.Name, folder.CreatedBy, folder.CreatedAt)
	return translate(err, "create folder", "folder not found")
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at FROM folders WHERE id=$1
	`, folderID).Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Folder{}, translate(err, "get folder", "folder not found")
	}
	return item, nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	return s.withTx(ctx, "delete folder", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE folder_id=$1`, folderID).Scan(&count); err != nil {
			return translate(err, "count folder documents", "folder not found")
		}
		if count > 0 {
			return apperr.New(apperr.ErrConflict, "folder still contains documents")
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
		if err != nil {
			return translate(err, "delete folder", "folder not found")
		}
		return requireAffected(result, "folder not found")
	})
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, folder_id, created_by, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, doc.ID, doc.Title, doc.FolderID, doc.CreatedBy, doc.CreatedAt)
	return translate(err, "create document", "folder not found")
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(folder_id, ''), created_by, created_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.FolderID, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Document{}, translate(err, "get document", "document not found")
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, folderID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(folder_id, ''), created_by, created_at
		FROM documents
		WHERE ($1 = '' OR folder_id = $1)
		ORDER BY created_at DESC, id ASC
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.FolderID, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// DeleteDocument relies on ON DELETE CASCADE for versions, branches,
// comments and workflows.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return translate(err, "delete document", "document not found")
	}
	return requireAffected(result, "document not found")
}

const permissionColumns = `id, resource_type, resource_id, subject_user_id, level, granted_by, granted_at,
	expires_at, conditions, revoked_at, COALESCE(revoked_by, ''), COALESCE(revoke_reason, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (Permission, error) {
	var (
		item       Permission
		expiresAt  sql.NullTime
		revokedAt  sql.NullTime
		conditions []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.ResourceType,
		&item.ResourceID,
		&item.SubjectUserID,
		&item.Level,
		&item.GrantedBy,
		&item.GrantedAt,
		&expiresAt,
		&conditions,
		&revokedAt,
		&item.RevokedBy,
		&item.RevokeReason,
	); err != nil {
		return Permission{}, err
	}
	item.ExpiresAt = nullTimePtr(expiresAt)
	item.RevokedAt = nullTimePtr(revokedAt)
	if len(conditions) > 0 && string(conditions) != "null" {
		var parsed Conditions
		if err := json.Unmarshal(conditions, &parsed); err != nil {
			return Permission{}, fmt.Errorf("decode conditions: %w", err)
		}
		item.Conditions = &parsed
	}
	return item, nil
}

func (s *PostgresStore) InsertGrant(ctx context.Context, permission Permission, now time.Time) (*Permission, error) {
	var closed *Permission
	err := s.withTx(ctx, "grant permission", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+permissionColumns+`
			FROM permissions
			WHERE resource_type=$1 AND resource_id=$2 AND subject_user_id=$3 AND revoked_at IS NULL
			FOR UPDATE
		`, permission.ResourceType, permission.ResourceID, permission.SubjectUserID)
		prior, err := scanPermission(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lock current permission: %w", err)
		default:
			reason := RevokeReasonLapsed
			wasActive := prior.Active(now)
			if wasActive {
				reason = RevokeReasonSuperseded
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE permissions SET revoked_at=$2, revoked_by=$3, revoke_reason=$4 WHERE id=$1
			`, prior.ID, now, permission.GrantedBy, reason); err != nil {
				return translate(err, "close prior permission", "permission not found")
			}
			prior.RevokedAt = &now
			prior.RevokedBy = permission.GrantedBy
			prior.RevokeReason = reason
			if wasActive {
				if err := insertAudit(ctx, tx, auditFor(AuditSupersede, permission.GrantedBy, prior, now, "superseded by "+permission.ID)); err != nil {
					return err
				}
			}
			closed = &prior
		}

		conditions, err := marshalConditions(permission.Conditions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (id, resource_type, resource_id, subject_user_id, level, granted_by, granted_at, expires_at, conditions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		`,
			permission.ID,
			permission.ResourceType,
			permission.ResourceID,
			permission.SubjectUserID,
			permission.Level,
			permission.GrantedBy,
			permission.GrantedAt,
			timePtrValue(permission.ExpiresAt),
			conditions,
		); err != nil {
			return translate(err, "insert permission", "permission not found")
		}
		return insertAudit(ctx, tx, auditFor(AuditGrant, permission.GrantedBy, permission, now, ""))
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *PostgresStore) RevokePermission(ctx context.Context, permissionID, actorID string, now time.Time) (Permission, bool, error) {
	var (
		result  Permission
		changed bool
	)
	err := s.withTx(ctx, "revoke permission", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id=$1 FOR UPDATE`, permissionID)
		permission, err := scanPermission(row)
		if err != nil {
			return translate(err, "lock permission", "permission not found")
		}
		result = permission
		if !permission.Active(now) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE permissions SET revoked_at=$2, revoked_by=$3, revoke_reason=$4 WHERE id=$1
		`, permissionID, now, actorID, RevokeReasonRevoked); err != nil {
			return translate(err, "revoke permission", "permission not found")
		}
		result.RevokedAt = &now
		result.RevokedBy = actorID
		result.RevokeReason = RevokeReasonRevoked
		changed = true
		return insertAudit(ctx, tx, auditFor(AuditRevoke, actorID, result, now, ""))
	})
	if err != nil {
		return Permission{}, false, err
	}
	return result, changed, nil
}

func (s *PostgresStore) GetPermission(ctx context.Context, permissionID string) (Permission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id=$1`, permissionID)
	permission, err := scanPermission(row)
	if err != nil {
		return Permission{}, translate(err, "get permission", "permission not found")
	}
	return permission, nil
}

func (s *PostgresStore) CurrentPermission(ctx context.Context, resource rbac.Resource, subjectUserID string) (*Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+`
		FROM permissions
		WHERE resource_type=$1 AND resource_id=$2 AND subject_user_id=$3 AND revoked_at IS NULL
	`, resource.Type, resource.ID, subjectUserID)
	permission, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current permission: %w", err)
	}
	return &permission, nil
}

func (s *PostgresStore) ListPermissions(ctx context.Context, resource rbac.Resource) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+permissionColumns+`
		FROM permissions
		WHERE resource_type=$1 AND resource_id=$2
		ORDER BY granted_at ASC, id ASC
	`, resource.Type, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		item, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, resource rbac.Resource) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor_id, permission_id, resource_type, resource_id, subject_user_id, level, at, detail
		FROM permission_audit
		WHERE resource_type=$1 AND resource_id=$2
		ORDER BY at ASC, id ASC
	`, resource.Type, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		if err := rows.Scan(
			&item.ID,
			&item.Action,
			&item.ActorID,
			&item.PermissionID,
			&item.ResourceType,
			&item.ResourceID,
			&item.SubjectUserID,
			&item.Level,
			&item.At,
			&item.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = util.NewID("aud")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO permission_audit (id, action, actor_id, permission_id, resource_type, resource_id, subject_user_id, level, at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.Action, entry.ActorID, entry.PermissionID, entry.ResourceType, entry.ResourceID, entry.SubjectUserID, entry.Level, entry.At, entry.Detail)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBranch(ctx context.Context, branch Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_branches (document_id, name, forked_from, fork_version, fork_version_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, branch.DocumentID, branch.Name, branch.ForkedFrom, branch.ForkVersion, branch.ForkVersionID, branch.CreatedBy, branch.CreatedAt)
	return translate(err, "create branch", "document not found")
}

func (s *PostgresStore) GetBranch(ctx context.Context, documentID, name string) (Branch, error) {
	var item Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, name, forked_from, fork_version, fork_version_id, created_by, created_at
		FROM document_branches
		WHERE document_id=$1 AND name=$2
	`, documentID, name).Scan(&item.DocumentID, &item.Name, &item.ForkedFrom, &item.ForkVersion, &item.ForkVersionID, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Branch{}, translate(err, "get branch", "branch not found")
	}
	return item, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, documentID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, name, forked_from, fork_version, fork_version_id, created_by, created_at
		FROM document_branches
		WHERE document_id=$1
		ORDER BY name ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var item Branch
		if err := rows.Scan(&item.DocumentID, &item.Name, &item.ForkedFrom, &item.ForkVersion, &item.ForkVersionID, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

const versionColumns = `id, document_id, branch, version, COALESCE(parent_id, ''), author, created_at, snapshot_ref,
	content_size, additions, deletions, modifications, description, approved, tags`

func scanVersion(row rowScanner) (DocumentVersion, error) {
	var (
		item DocumentVersion
		tags []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Branch,
		&item.Version,
		&item.ParentID,
		&item.Author,
		&item.CreatedAt,
		&item.SnapshotRef,
		&item.ContentSize,
		&item.Additions,
		&item.Deletions,
		&item.Modifications,
		&item.Description,
		&item.Approved,
		&tags,
	); err != nil {
		return DocumentVersion{}, err
	}
	item.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return DocumentVersion{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return item, nil
}

// InsertVersion claims (document, branch, version). A concurrent claim of the
// same number fails with ErrConflict from the unique constraint.
func (s *PostgresStore) InsertVersion(ctx context.Context, version DocumentVersion) error {
	tags, err := marshalStrings(version.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_versions (id, document_id, branch, version, parent_id, author, created_at, snapshot_ref, content_size, additions, deletions, modifications, description, approved, tags)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb)
	`,
		version.ID,
		version.DocumentID,
		version.Branch,
		version.Version,
		version.ParentID,
		version.Author,
		version.CreatedAt,
		version.SnapshotRef,
		version.ContentSize,
		version.Additions,
		version.Deletions,
		version.Modifications,
		version.Description,
		version.Approved,
		tags,
	)
	return translate(err, "insert version", "document not found")
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=$1`, versionID))
	if err != nil {
		return DocumentVersion{}, translate(err, "get version", "version not found")
	}
	return item, nil
}

func (s *PostgresStore) GetVersionByNumber(ctx context.Context, documentID, branch string, number int) (DocumentVersion, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1 AND branch=$2 AND version=$3
	`, documentID, branch, number))
	if err != nil {
		return DocumentVersion{}, translate(err, "get version by number", "version not found")
	}
	return item, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, documentID, branch string) (*DocumentVersion, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id=$1 AND branch=$2
		ORDER BY version DESC
		LIMIT 1
	`, documentID, branch))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID, branch string, before, limit int) ([]DocumentVersion, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM document_versions
		WHERE document_id=$1 AND branch=$2 AND ($3 <= 0 OR version < $3)
		ORDER BY version DESC
	`
	args := []any{documentID, branch, before}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkVersionApproved(ctx context.Context, versionID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE document_versions SET approved=TRUE WHERE id=$1`, versionID)
	if err != nil {
		return translate(err, "mark version approved", "version not found")
	}
	return requireAffected(result, "version not found")
}

func (s *PostgresStore) AddVersionTags(ctx context.Context, versionID string, tags []string) (DocumentVersion, error) {
	var updated DocumentVersion
	err := s.withTx(ctx, "tag version", func(tx *sql.Tx) error {
		current, err := scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=$1 FOR UPDATE`, versionID))
		if err != nil {
			return translate(err, "lock version", "version not found")
		}
		current.Tags = mergeTags(current.Tags, tags)
		encoded, err := marshalStrings(current.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE document_versions SET tags=$2::jsonb WHERE id=$1`, versionID, encoded); err != nil {
			return fmt.Errorf("update version tags: %w", err)
		}
		updated = current
		return nil
	})
	return updated, err
}

func requireAffected(result sql.Result, notFound string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.ErrNotFound, notFound)
	}
	return nil
}

func marshalConditions(conditions *Conditions) (any, error) {
	if conditions.Empty() {
		return nil, nil
	}
	encoded, err := json.Marshal(conditions)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	return string(encoded), nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(encoded), nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func timePtrValue(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}
