package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

// Archive keeps named snapshots of document state in object storage,
// for the rollback API. Snapshots are content-addressed: the ID is a
// digest of the bytes, so re-archiving an unchanged document is a
// no-op overwrite.
type Archive struct {
	client *minio.Client
	bucket string
}

// ArchiveConfig carries the object-storage connection settings.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// SnapshotID returns the content address for a snapshot.
func SnapshotID(state []byte) string {
	sum := blake2b.Sum256(state)
	return hex.EncodeToString(sum[:16])
}

func (a *Archive) PutSnapshot(ctx context.Context, doc string, state []byte) (string, error) {
	id := SnapshotID(state)
	_, err := a.client.PutObject(ctx, a.bucket, objectKey(doc, id),
		bytes.NewReader(state), int64(len(state)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s/%s: %w", doc, id, err)
	}
	return id, nil
}

func (a *Archive) GetSnapshot(ctx context.Context, doc, id string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(doc, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s/%s: %w", doc, id, err)
	}
	defer obj.Close()
	state, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s/%s: %w", doc, id, err)
	}
	return state, nil
}

func (a *Archive) ListSnapshots(ctx context.Context, doc string) ([]string, error) {
	prefix := doc + "/"
	var ids []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list snapshots for %q: %w", doc, obj.Err)
		}
		ids = append(ids, strings.TrimPrefix(obj.Key, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func objectKey(doc, id string) string {
	return doc + "/" + id
}
