// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lensgo/lensvae/faults"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// Environment variables with the MinIO credentials.
const (
	EnvMinIOAccessKey = "MINIO_ACCESS_KEY"
	EnvMinIOSecretKey = "MINIO_SECRET_KEY"
)

// FromURI creates the Source described by uri:
//
//   - "" or "gdrive": GoogleDrive.
//   - "s3://bucket/prefix": S3, configured from the default AWS configuration chain (environment,
//     shared config files, ...).
//   - "minio://host:port/bucket/prefix[?secure=true]": MinIO, with credentials read from the
//     environment variables EnvMinIOAccessKey and EnvMinIOSecretKey.
//
// An invalid uri is a faults.InvalidConfig error.
func FromURI(ctx context.Context, uri string) (Source, error) {
	if uri == "" || uri == "gdrive" || uri == "gdrive://" {
		return NewGoogleDrive(), nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, faults.Wrapf(faults.InvalidConfig, err, "invalid pretrained source %q", uri)
	}
	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return nil, faults.Errorf(faults.InvalidConfig, "pretrained source %q: missing bucket", uri)
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, faults.Wrapf(faults.InvalidConfig, err, "failed to load AWS configuration")
		}
		return NewS3(s3.NewFromConfig(cfg), parsed.Host, strings.Trim(parsed.Path, "/")), nil

	case "minio":
		bucket, prefix, _ := strings.Cut(strings.Trim(parsed.Path, "/"), "/")
		if parsed.Host == "" || bucket == "" {
			return nil, faults.Errorf(faults.InvalidConfig, "pretrained source %q: expected minio://host:port/bucket/prefix", uri)
		}
		client, err := minio.New(parsed.Host, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv(EnvMinIOAccessKey), os.Getenv(EnvMinIOSecretKey), ""),
			Secure: parsed.Query().Get("secure") == "true",
		})
		if err != nil {
			return nil, faults.Wrapf(faults.InvalidConfig, errors.WithStack(err), "failed to create MinIO client")
		}
		return NewMinIO(client, bucket, prefix), nil
	}
	return nil, faults.Errorf(faults.InvalidConfig, "unsupported pretrained source %q: use gdrive, s3://... or minio://...", uri)
}
