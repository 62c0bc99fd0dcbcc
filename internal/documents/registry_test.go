package documents

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/ledger"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
)

type recordingEvictor struct {
	evicted []string
}

func (r *recordingEvictor) EvictDocument(documentID string) {
	r.evicted = append(r.evicted, documentID)
}

type fixture struct {
	registry *Registry
	ledger   *ledger.Ledger
	versions *versions.Service
	store    *store.MemoryStore
	evictor  *recordingEvictor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	st := store.NewMemoryStore()
	l := ledger.New(st, logger)
	svc := versions.New(st, gitrepo.New(t.TempDir()), logger)
	r := New(st, l, svc, logger)
	ev := &recordingEvictor{}
	r.AttachSessions(ev)
	return &fixture{registry: r, ledger: l, versions: svc, store: st, evictor: ev}
}

func TestCreateDocumentBootstrapsOwnerAndInitialVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, version, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: " Lease ", Content: "draft", CreatorID: "avery"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if doc.Title != "Lease" || doc.CreatedBy != "avery" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if version.Version != 1 || version.Branch != store.MainBranch {
		t.Fatalf("unexpected initial version %+v", version)
	}
	decision := f.ledger.Decide(ctx, "avery", rbac.Document(doc.ID), rbac.LevelOwner, rbac.Context{})
	if !decision.Allowed {
		t.Fatalf("creator should own the document")
	}
	content, err := f.versions.Content(ctx, version.ID)
	if err != nil || string(content) != "draft" {
		t.Fatalf("Content() = %q, %v", content, err)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "  ", CreatorID: "avery"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank title: expected ErrValidation, got %v", err)
	}
	if _, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "Doc"}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("no creator: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "Doc", FolderID: "fld_missing", CreatorID: "avery"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown folder: expected ErrNotFound, got %v", err)
	}
}

func TestFolderPlacementRequiresEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folder, err := f.registry.CreateFolder(ctx, CreateFolderInput{Name: "Legal", CreatorID: "avery"})
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if _, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "NDA", FolderID: folder.ID, CreatorID: "blake"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden without folder access, got %v", err)
	}
	doc, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "NDA", FolderID: folder.ID, CreatorID: "avery"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	if _, err := f.ledger.Grant(ctx, ledger.GrantInput{GranterID: "avery", Resource: rbac.Folder(folder.ID), SubjectUserID: "blake", Level: "view"}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	docs, err := f.registry.List(ctx, folder.ID, "blake")
	if err != nil || len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("List() = %+v, %v", docs, err)
	}
	if docs, _ := f.registry.List(ctx, "", "casey"); len(docs) != 0 {
		t.Fatalf("casey should see nothing, got %+v", docs)
	}

	if err := f.registry.DeleteFolder(ctx, folder.ID, "avery"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("non-empty folder: expected ErrConflict, got %v", err)
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _, err := f.registry.CreateDocument(ctx, CreateDocumentInput{Title: "Memo", Content: "x", CreatorID: "avery"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if _, err := f.ledger.Grant(ctx, ledger.GrantInput{GranterID: "avery", Resource: rbac.Document(doc.ID), SubjectUserID: "blake", Level: "admin"}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	if err := f.registry.DeleteDocument(ctx, doc.ID, "blake"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("admin delete: expected ErrForbidden, got %v", err)
	}
	if err := f.registry.DeleteDocument(ctx, doc.ID, "avery"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if len(f.evictor.evicted) != 1 || f.evictor.evicted[0] != doc.ID {
		t.Fatalf("expected sessions evicted, got %v", f.evictor.evicted)
	}
	if _, err := f.store.GetDocument(ctx, doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected document gone, got %v", err)
	}
	if head, err := f.store.LatestVersion(ctx, doc.ID, store.MainBranch); err != nil || head != nil {
		t.Fatalf("expected versions gone, got %+v, %v", head, err)
	}
	if err := f.registry.DeleteDocument(ctx, doc.ID, "avery"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteEmptyFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	folder, err := f.registry.CreateFolder(ctx, CreateFolderInput{Name: "Scratch", CreatorID: "avery"})
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if err := f.registry.DeleteFolder(ctx, folder.ID, "blake"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.registry.DeleteFolder(ctx, folder.ID, "avery"); err != nil {
		t.Fatalf("DeleteFolder() error = %v", err)
	}
	if _, err := f.registry.CreateFolder(ctx, CreateFolderInput{CreatorID: "avery"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank name: expected ErrValidation, got %v", err)
	}
}
