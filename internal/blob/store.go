// Package blob stores avatars and chat images in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client   *minio.Client
	endpoint string
	bucket   string
	useSSL   bool
}

// Open connects to the blob backend and makes sure the bucket exists.
func Open(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect blob store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Store{client: client, endpoint: endpoint, bucket: bucket, useSSL: useSSL}, nil
}

// Upload writes data under path and returns the public URL.
func (s *Store) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return s.url(path), nil
}

// UploadDataURL decodes a base64 data URL, as browsers produce for file
// reads, and uploads its payload.
func (s *Store) UploadDataURL(ctx context.Context, path, dataURL string) (string, error) {
	contentType, data, err := parseDataURL(dataURL)
	if err != nil {
		return "", err
	}
	return s.Upload(ctx, path, data, contentType)
}

func (s *Store) url(path string) string {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, path)
}

// AvatarPath names an avatar object so repeated uploads never collide.
func AvatarPath(userID string) string {
	return fmt.Sprintf("avatars/%s_%d", userID, time.Now().UnixMilli())
}

// ChatImagePath names an uploaded chat image.
func ChatImagePath(senderID string) string {
	return fmt.Sprintf("chat/%s_%d", senderID, time.Now().UnixMilli())
}

func parseDataURL(dataURL string) (contentType string, data []byte, err error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", nil, fmt.Errorf("not a data url")
	}
	comma := strings.Index(dataURL, ",")
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data url")
	}

	meta := dataURL[len("data:"):comma]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("data url is not base64 encoded")
	}
	contentType = strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err = base64.StdEncoding.DecodeString(dataURL[comma+1:])
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return contentType, data, nil
}
