// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinIO fetches archives from a MinIO (or any S3 compatible) bucket, with keys given by ObjectKey.
type MinIO struct {
	client         *minio.Client
	bucket, prefix string
}

// Assert MinIO implements Source.
var _ Source = (*MinIO)(nil)

// NewMinIO creates a Source reading from bucket, under the key prefix.
func NewMinIO(client *minio.Client, bucket, prefix string) *MinIO {
	return &MinIO{client: client, bucket: bucket, prefix: prefix}
}

// FileName implements Source.
func (m *MinIO) FileName(variant string) string { return path.Base(ObjectKey(m.prefix, variant)) }

// Name implements Source.
func (m *MinIO) Name() string { return "minio://" + m.client.EndpointURL().Host + "/" + m.bucket }

// Fetch implements Source.
func (m *MinIO) Fetch(ctx context.Context, variant, destPath string) error {
	key := ObjectKey(m.prefix, variant)
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fetchError(m, variant, errors.Wrapf(err, "failed to get object %q", key))
	}
	defer func() { _ = obj.Close() }()
	size, err := fetchAtomic(destPath, func(tmpPath string) (int64, error) { return writeObject(tmpPath, obj) })
	if err != nil {
		if errResp := minio.ToErrorResponse(errors.Cause(err)); errResp.Code == "NoSuchKey" {
			err = errors.Errorf("object %q not found", key)
		}
		return fetchError(m, variant, err)
	}
	klog.Infof("pretrained variant %q fetched from %s/%s (%s)", variant, m.Name(), key, humanize.Bytes(uint64(size)))
	return nil
}

// S3 fetches archives from an AWS S3 bucket, with keys given by ObjectKey.
type S3 struct {
	client         *s3.Client
	bucket, prefix string
}

// Assert S3 implements Source.
var _ Source = (*S3)(nil)

// NewS3 creates a Source reading from bucket, under the key prefix.
func NewS3(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// FileName implements Source.
func (s *S3) FileName(variant string) string { return path.Base(ObjectKey(s.prefix, variant)) }

// Name implements Source.
func (s *S3) Name() string { return "s3://" + s.bucket }

// Fetch implements Source.
func (s *S3) Fetch(ctx context.Context, variant, destPath string) error {
	key := ObjectKey(s.prefix, variant)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fetchError(s, variant, errors.Wrapf(err, "failed to get object %q", key))
	}
	defer func() { _ = out.Body.Close() }()
	size, err := fetchAtomic(destPath, func(tmpPath string) (int64, error) { return writeObject(tmpPath, out.Body) })
	if err != nil {
		return fetchError(s, variant, err)
	}
	klog.Infof("pretrained variant %q fetched from %s/%s (%s)", variant, s.Name(), key, humanize.Bytes(uint64(size)))
	return nil
}

// writeObject copies r to filePath.
func writeObject(filePath string, r io.Reader) (size int64, err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", filePath)
	}
	size, err = io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return size, errors.Wrapf(err, "failed to write %q", filePath)
	}
	return size, errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
