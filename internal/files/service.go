// Package files stores proposal attachments in S3-compatible object
// storage. Downloads go through short-lived presigned URLs so attachment
// bytes never stream through the API process.
package files

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignTTL = 15 * time.Minute

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Printf("files: created bucket %s", bucket)
	}

	return &Service{client: client, bucket: bucket}, nil
}

// ObjectKey builds the storage key for an attachment.
func ObjectKey(proposalID, attachmentID, fileName string) string {
	return fmt.Sprintf("proposals/%s/%s/%s", proposalID, attachmentID, fileName)
}

// Upload streams an attachment into the bucket.
func (s *Service) Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return nil
}

// DownloadURL returns a presigned GET URL that forces a sensible filename.
func (s *Service) DownloadURL(ctx context.Context, objectKey, fileName string) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", objectKey, err)
	}
	return presigned.String(), nil
}

// Delete removes an attachment object. Missing objects are not an error;
// the database row is the source of truth.
func (s *Service) Delete(ctx context.Context, objectKey string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("delete %s: %w", objectKey, err)
	}
	return nil
}
