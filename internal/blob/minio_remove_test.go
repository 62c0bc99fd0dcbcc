package blob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// listingClient serves ListObjects from a goroutine that blocks on each send
// until the listing context is done, the way minio-go's lister does.
type listingClient struct {
	objectAPI
	keys      []string
	failOn    string
	mu        sync.Mutex
	removed   []string
	listerOut chan struct{}
}

func (c *listingClient) ListObjects(ctx context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	out := make(chan minio.ObjectInfo)
	go func() {
		defer close(c.listerOut)
		defer close(out)
		for _, key := range c.keys {
			if !strings.HasPrefix(key, opts.Prefix) {
				continue
			}
			select {
			case out <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *listingClient) RemoveObject(_ context.Context, _, objectName string, _ minio.RemoveObjectOptions) error {
	if objectName == c.failOn {
		return errors.New("access denied")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, objectName)
	return nil
}

func TestRemoveStopsListingOnError(t *testing.T) {
	client := &listingClient{
		keys:      []string{"doc-1/a", "doc-1/b", "doc-1/c"},
		failOn:    "doc-1/b",
		listerOut: make(chan struct{}),
	}
	store := &MinIO{client: client, bucket: "snapshots"}

	err := store.Remove(context.Background(), "doc-1")
	if err == nil || !strings.Contains(err.Error(), "doc-1/b") {
		t.Fatalf("expected remove error for doc-1/b, got %v", err)
	}
	select {
	case <-client.listerOut:
	case <-time.After(2 * time.Second):
		t.Fatal("listing goroutine still running after Remove returned")
	}
	if len(client.removed) != 1 || client.removed[0] != "doc-1/a" {
		t.Fatalf("unexpected removals %v", client.removed)
	}
}

func TestRemoveDeletesOnlyDocumentObjects(t *testing.T) {
	client := &listingClient{
		keys:      []string{"doc-1/a", "doc-10/x", "doc-1/b"},
		listerOut: make(chan struct{}),
	}
	store := &MinIO{client: client, bucket: "snapshots"}

	if err := store.Remove(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	<-client.listerOut
	if strings.Join(client.removed, ",") != "doc-1/a,doc-1/b" {
		t.Fatalf("unexpected removals %v", client.removed)
	}
}
