package storage

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/services/storage/aws_client"
)

// ObjectStorageService implements StorageService on an S3 compatible bucket.
type ObjectStorageService struct {
	client     aws_client.S3Client
	bucketName string
}

func NewStorageService(client aws_client.S3Client, bucketName string) interfaces.StorageService {
	return &ObjectStorageService{
		client:     client,
		bucketName: bucketName,
	}
}

// NewR2StorageService creates a StorageService configured for Cloudflare R2
func NewR2StorageService(accountID, accessKeyID, accessKeySecret, bucketName string) interfaces.StorageService {
	return NewStorageService(aws_client.NewR2Client(aws_client.R2Config{
		AccountID:       accountID,
		AccessKeyID:     accessKeyID,
		AccessKeySecret: accessKeySecret,
	}), bucketName)
}

func (s *ObjectStorageService) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Upload")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key, "size", len(data))

	if err := s.client.Upload(ctx, s.bucketName, key, data, contentType); err != nil {
		return errors.Wrapf(err, "upload %s", key)
	}
	return nil
}

func (s *ObjectStorageService) Download(ctx context.Context, key string) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Download")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key)

	content, err := s.client.Download(ctx, s.bucketName, key)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", key)
	}
	return content, nil
}

func (s *ObjectStorageService) Exists(ctx context.Context, key string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Exists")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key)

	return s.client.Exists(ctx, s.bucketName, key)
}

func (s *ObjectStorageService) Delete(ctx context.Context, key string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key)

	if err := s.client.Delete(ctx, s.bucketName, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}
