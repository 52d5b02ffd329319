// Package storage puts user images in an S3-compatible bucket so the
// try-on provider can fetch them by public URL.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/sakif/clickmodel/internal/config"
)

// AllowedContentTypes are the image formats the provider accepts.
var AllowedContentTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

var ErrUnsupportedType = errors.New("storage: unsupported content type")

type Uploader struct {
	cfg    config.StorageConfig
	client *s3.Client
	now    func() time.Time
}

func NewUploader(cfg config.StorageConfig) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "uploads"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Uploader{
		cfg:    cfg,
		client: s3.New(options),
		now:    time.Now,
	}, nil
}

// Upload stores data under the owner's prefix and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, ownerID string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("storage: no data to upload")
	}
	ext, ok := AllowedContentTypes[strings.ToLower(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	key := u.generateKey(ownerID, ext)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload to s3: %w", err)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

// generateKey builds prefix/owner/yyyy/mm/dd/uuid.ext.
func (u *Uploader) generateKey(ownerID, ext string) string {
	now := u.now().UTC()
	prefix := strings.Trim(u.cfg.Prefix, "/")
	return path.Join(prefix, ownerID,
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		uuid.NewString()+ext)
}
