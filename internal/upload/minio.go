package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"bugvault/api/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores screenshots in an S3-compatible bucket. Preferred over
// Cloudinary when configured, since it keeps files on own infrastructure.
type Minio struct {
	client *minio.Client
	bucket string
	folder string
	useSSL bool
}

func NewMinio(endpoint, accessKey, secretKey, bucket, folder string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: bucket, folder: folder, useSSL: useSSL}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (m *Minio) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	objectName := m.folder + "/" + util.NewID("shot") + path.Ext(filename)

	_, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	scheme := "http"
	if m.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, m.client.EndpointURL().Host, m.bucket, objectName), nil
}
