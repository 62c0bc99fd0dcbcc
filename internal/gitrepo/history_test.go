package gitrepo

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/apperr"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
)

func TestLogMissingRepositoryOrBranch(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	if _, err := svc.Log(ctx, "doc-missing", "main", 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing repo, got %v", err)
	}
	ref, err := svc.Put(ctx, "doc-1", versions.Snapshot{Author: "Avery", Content: []byte("x")})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := svc.Advance(ctx, "doc-1", "main", ref); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if _, err := svc.Log(ctx, "doc-1", "draft", 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing branch, got %v", err)
	}
}

func TestVerifyHistoryAgainstGitLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateDocument(ctx, store.Document{ID: "doc-1", Title: "Contract", CreatedBy: "avery", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	snapshots := New(t.TempDir())
	svc := versions.New(st, snapshots, zerolog.New(io.Discard))

	report, err := svc.VerifyHistory(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("VerifyHistory(empty) error = %v", err)
	}
	if !report.Supported || !report.Intact || report.Versions != 0 {
		t.Fatalf("empty document should verify, got %+v", report)
	}

	var last store.DocumentVersion
	for i, content := range []string{"one\n", "one\ntwo\n", "one\ntwo\nthree\n"} {
		last, err = svc.Commit(ctx, versions.CommitInput{
			DocumentID:    "doc-1",
			ParentVersion: i,
			Author:        "avery",
			Content:       []byte(content),
		})
		if err != nil {
			t.Fatalf("Commit(%d) error = %v", i+1, err)
		}
	}
	branch, err := svc.CreateBranch(ctx, "doc-1", "draft", last.ID, "avery")
	if err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if _, err := svc.Commit(ctx, versions.CommitInput{
		DocumentID:    "doc-1",
		Branch:        branch.Name,
		ParentVersion: last.Version,
		Author:        "avery",
		Content:       []byte("one\ntwo\nthree\nfour\n"),
	}); err != nil {
		t.Fatalf("Commit(draft) error = %v", err)
	}

	report, err = svc.VerifyHistory(ctx, "doc-1", "main")
	if err != nil {
		t.Fatalf("VerifyHistory(main) error = %v", err)
	}
	if !report.Intact || report.Versions != 3 {
		t.Fatalf("main should verify with 3 versions, got %+v", report)
	}
	report, err = svc.VerifyHistory(ctx, "doc-1", "draft")
	if err != nil {
		t.Fatalf("VerifyHistory(draft) error = %v", err)
	}
	if !report.Intact || report.Versions != 4 {
		t.Fatalf("draft should verify with inherited versions, got %+v", report)
	}

	// Rewind the git ref behind the version rows.
	rows, err := svc.ListVersions(ctx, versions.ListInput{DocumentID: "doc-1", Branch: "main"})
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if err := snapshots.Advance(ctx, "doc-1", "main", rows[1].SnapshotRef); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	report, err = svc.VerifyHistory(ctx, "doc-1", "main")
	if err != nil {
		t.Fatalf("VerifyHistory(rewound) error = %v", err)
	}
	if report.Intact || report.FirstMismatch != 3 {
		t.Fatalf("rewound ref should mismatch at version 3, got %+v", report)
	}
}
