// Package documents creates and deletes documents and folders. Creators become
// owners; deleting a document cascades to its history, threads, workflows and
// live sessions.
package documents

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
	"docflow/api/internal/versions"
)

type documentStore interface {
	CreateFolder(ctx context.Context, folder store.Folder) error
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	DeleteFolder(ctx context.Context, folderID string) error
	CreateDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, folderID string) ([]store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

type authorizer interface {
	Check(ctx context.Context, userID string, resource rbac.Resource, required rbac.Level, rc rbac.Context) bool
}

type ownerBootstrapper interface {
	BootstrapOwner(ctx context.Context, resource rbac.Resource, userID string) (store.Permission, error)
}

type versionService interface {
	Commit(ctx context.Context, input versions.CommitInput) (store.DocumentVersion, error)
	RemoveDocument(ctx context.Context, documentID string) error
}

// SessionEvictor drops live collaboration state for a deleted document.
type SessionEvictor interface {
	EvictDocument(documentID string)
}

type Registry struct {
	store    documentStore
	access   authorizer
	owners   ownerBootstrapper
	versions versionService
	sessions SessionEvictor
	logger   zerolog.Logger
	now      func() time.Time
}

// Ledger is the pair of permission operations the registry needs.
type Ledger interface {
	authorizer
	ownerBootstrapper
}

func New(st documentStore, ledger Ledger, versions versionService, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    st,
		access:   ledger,
		owners:   ledger,
		versions: versions,
		logger:   logger.With().Str("component", "documents").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AttachSessions wires the live session layer. The coordinator depends on the
// registry's store, so it is attached after construction.
func (r *Registry) AttachSessions(sessions SessionEvictor) {
	r.sessions = sessions
}

type CreateFolderInput struct {
	Name      string `json:"name"`
	CreatorID string `json:"-"`
}

func (r *Registry) CreateFolder(ctx context.Context, input CreateFolderInput) (store.Folder, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Folder{}, apperr.New(apperr.ErrValidation, "folder name is required")
	}
	if strings.TrimSpace(input.CreatorID) == "" {
		return store.Folder{}, apperr.New(apperr.ErrUnauthorized, "creator is required")
	}
	folder := store.Folder{
		ID:        util.NewID("fld"),
		Name:      name,
		CreatedBy: input.CreatorID,
		CreatedAt: r.now(),
	}
	if err := r.store.CreateFolder(ctx, folder); err != nil {
		return store.Folder{}, err
	}
	if _, err := r.owners.BootstrapOwner(ctx, rbac.Folder(folder.ID), input.CreatorID); err != nil {
		return store.Folder{}, err
	}
	r.logger.Info().Str("folderId", folder.ID).Str("creator", input.CreatorID).Msg("folder created")
	return folder, nil
}

type CreateDocumentInput struct {
	Title     string `json:"title"`
	FolderID  string `json:"folderId"`
	Content   string `json:"content"`
	CreatorID string `json:"-"`
}

// CreateDocument registers the document, makes the creator its owner and
// commits the initial content as version 1. Placing a document in a folder
// requires edit on the folder.
func (r *Registry) CreateDocument(ctx context.Context, input CreateDocumentInput) (store.Document, store.DocumentVersion, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, store.DocumentVersion{}, apperr.New(apperr.ErrValidation, "document title is required")
	}
	if strings.TrimSpace(input.CreatorID) == "" {
		return store.Document{}, store.DocumentVersion{}, apperr.New(apperr.ErrUnauthorized, "creator is required")
	}
	folderID := strings.TrimSpace(input.FolderID)
	if folderID != "" {
		if _, err := r.store.GetFolder(ctx, folderID); err != nil {
			return store.Document{}, store.DocumentVersion{}, err
		}
		if !r.access.Check(ctx, input.CreatorID, rbac.Folder(folderID), rbac.Required(rbac.ActionWrite), rbac.RequestContext(ctx)) {
			return store.Document{}, store.DocumentVersion{}, apperr.New(apperr.ErrForbidden, "edit access to the folder required")
		}
	}

	doc := store.Document{
		ID:        util.NewID("doc"),
		Title:     title,
		FolderID:  folderID,
		CreatedBy: input.CreatorID,
		CreatedAt: r.now(),
	}
	if err := r.store.CreateDocument(ctx, doc); err != nil {
		return store.Document{}, store.DocumentVersion{}, err
	}
	if _, err := r.owners.BootstrapOwner(ctx, rbac.Document(doc.ID), input.CreatorID); err != nil {
		r.rollback(ctx, doc.ID)
		return store.Document{}, store.DocumentVersion{}, err
	}
	version, err := r.versions.Commit(ctx, versions.CommitInput{
		DocumentID:  doc.ID,
		Branch:      store.MainBranch,
		Author:      input.CreatorID,
		Content:     []byte(input.Content),
		Description: "Initial version",
	})
	if err != nil {
		r.rollback(ctx, doc.ID)
		return store.Document{}, store.DocumentVersion{}, err
	}
	r.logger.Info().Str("documentId", doc.ID).Str("creator", input.CreatorID).Msg("document created")
	return doc, version, nil
}

func (r *Registry) rollback(ctx context.Context, documentID string) {
	if err := r.store.DeleteDocument(ctx, documentID); err != nil {
		r.logger.Error().Err(err).Str("documentId", documentID).Msg("roll back document")
	}
	if err := r.versions.RemoveDocument(ctx, documentID); err != nil {
		r.logger.Error().Err(err).Str("documentId", documentID).Msg("roll back snapshots")
	}
}

func (r *Registry) Get(ctx context.Context, documentID, actorID string) (store.Document, error) {
	if !r.access.Check(ctx, actorID, rbac.Document(documentID), rbac.LevelView, rbac.RequestContext(ctx)) {
		return store.Document{}, apperr.New(apperr.ErrForbidden, "view access required")
	}
	return r.store.GetDocument(ctx, documentID)
}

// List returns the documents actorID may view, optionally within one folder.
func (r *Registry) List(ctx context.Context, folderID, actorID string) ([]store.Document, error) {
	docs, err := r.store.ListDocuments(ctx, folderID)
	if err != nil {
		return nil, err
	}
	rc := rbac.RequestContext(ctx)
	visible := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if r.access.Check(ctx, actorID, rbac.Document(doc.ID), rbac.LevelView, rc) {
			visible = append(visible, doc)
		}
	}
	return visible, nil
}

// DeleteDocument needs owner. Live sessions are evicted without committing
// their buffered edits.
func (r *Registry) DeleteDocument(ctx context.Context, documentID, actorID string) error {
	if _, err := r.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	if !r.access.Check(ctx, actorID, rbac.Document(documentID), rbac.Required(rbac.ActionDelete), rbac.RequestContext(ctx)) {
		return apperr.New(apperr.ErrForbidden, "owner access required")
	}
	if r.sessions != nil {
		r.sessions.EvictDocument(documentID)
	}
	if err := r.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := r.versions.RemoveDocument(ctx, documentID); err != nil {
		r.logger.Warn().Err(err).Str("documentId", documentID).Msg("remove snapshots")
	}
	r.logger.Info().Str("documentId", documentID).Str("actor", actorID).Msg("document deleted")
	return nil
}

// DeleteFolder needs owner on the folder and fails with ErrConflict while the
// folder still holds documents.
func (r *Registry) DeleteFolder(ctx context.Context, folderID, actorID string) error {
	if _, err := r.store.GetFolder(ctx, folderID); err != nil {
		return err
	}
	if !r.access.Check(ctx, actorID, rbac.Folder(folderID), rbac.Required(rbac.ActionDelete), rbac.RequestContext(ctx)) {
		return apperr.New(apperr.ErrForbidden, "owner access required")
	}
	if err := r.store.DeleteFolder(ctx, folderID); err != nil {
		return err
	}
	r.logger.Info().Str("folderId", folderID).Str("actor", actorID).Msg("folder deleted")
	return nil
}
