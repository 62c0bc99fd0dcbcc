package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"docflow/api/internal/apperr"
	"docflow/api/internal/versions"
)

const contentFile = "content"

// Service stores version snapshots as commits in one bare repository per
// document. Commits are written without moving refs; Advance moves the branch
// ref once the version row has claimed its number.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) Put(_ context.Context, documentID string, snap versions.Snapshot) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return "", err
	}

	blobHash, err := writeBlob(repo.Storer, snap.Content)
	if err != nil {
		return "", err
	}

	tree := &object.Tree{Entries: []object.TreeEntry{{Name: contentFile, Mode: filemode.Regular, Hash: blobHash}}}
	treeObj := repo.Storer.NewEncodedObject()
	if err := tree.Encode(treeObj); err != nil {
		return "", fmt.Errorf("encode tree: %w", err)
	}
	treeHash, err := repo.Storer.SetEncodedObject(treeObj)
	if err != nil {
		return "", fmt.Errorf("store tree: %w", err)
	}

	when := snap.At
	if when.IsZero() {
		when = time.Now().UTC()
	}
	signature := object.Signature{
		Name:  snap.Author,
		Email: fmt.Sprintf("%s@docflow.local", sanitizeEmail(snap.Author)),
		When:  when,
	}
	commit := &object.Commit{
		Author:    signature,
		Committer: signature,
		Message:   snap.Message,
		TreeHash:  treeHash,
	}
	if snap.ParentRef != "" {
		parent, err := resolveHash(repo, snap.ParentRef)
		if err != nil {
			return "", err
		}
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	commitObj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(commitObj); err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(commitObj)
	if err != nil {
		return "", fmt.Errorf("store commit: %w", err)
	}
	return hash.String(), nil
}

func (s *Service) Get(_ context.Context, documentID, ref string) ([]byte, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, apperr.New(apperr.ErrNotFound, "snapshot repository not found")
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, ref)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "snapshot %s not found", ref)
		}
		return nil, fmt.Errorf("read commit %s: %w", ref, err)
	}
	return readContentFromCommit(commitObj)
}

// Advance points refs/heads/<branch> at ref.
func (s *Service) Advance(_ context.Context, documentID, branch, ref string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, ref)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		return fmt.Errorf("set %s branch ref: %w", branch, err)
	}
	return nil
}

// Log walks the branch ref back through parent snapshots, newest first.
func (s *Service) Log(_ context.Context, documentID, branch string, limit int) ([]string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, apperr.New(apperr.ErrNotFound, "snapshot repository not found")
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, apperr.Newf(apperr.ErrNotFound, "snapshot branch %s not found", branch)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]string, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, commitObj.Hash.String())
		if limit > 0 && len(items) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) Remove(_ context.Context, documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
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

func writeBlob(st storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if err := writer.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("close blob writer: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load content from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return data, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if len(ref) == 40 {
		return plumbing.NewHash(ref), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, apperr.Newf(apperr.ErrNotFound, "snapshot %s not found", ref)
	}
	return *resolved, nil
}
