package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docflow/api/internal/apperr"
	"docflow/api/internal/versions"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectAPI is the part of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinIO stores snapshots as content-addressed objects under
// {documentID}/{sha256}. Identical content shares one object.
type MinIO struct {
	client objectAPI
	bucket string
}

func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	store := &MinIO{client: client, bucket: cfg.Bucket}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *MinIO) Put(ctx context.Context, documentID string, snap versions.Snapshot) (string, error) {
	ref := ContentRef(snap.Content)
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(documentID, ref), bytes.NewReader(snap.Content), int64(len(snap.Content)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"author": snap.Author,
			"branch": snap.Branch,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return ref, nil
}

func (m *MinIO) Get(ctx context.Context, documentID, ref string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(documentID, ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, ref)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err, ref)
	}
	return data, nil
}

func (m *MinIO) Remove(ctx context.Context, documentID string) error {
	// Stops the listing goroutine on an early return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: documentID + "/", Recursive: true})
	for info := range objects {
		if info.Err != nil {
			return fmt.Errorf("list snapshots: %w", info.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove snapshot %s: %w", info.Key, err)
		}
	}
	return nil
}

// ContentRef is the hex sha256 of content.
func ContentRef(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func objectKey(documentID, ref string) string {
	return documentID + "/" + strings.ToLower(ref)
}

func translate(err error, ref string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return apperr.Newf(apperr.ErrNotFound, "snapshot %s not found", ref)
	}
	return fmt.Errorf("read snapshot %s: %w", ref, err)
}
