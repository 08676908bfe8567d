// Package results turns an external call result into what the task row
// keeps: small results inline, larger ones uploaded and referenced by URL.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/failure"
)

// Uploader stores a result object under key and returns its reference.
// Uploading the same key twice must overwrite.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Builder decides between inline storage and upload.
type Builder struct {
	maxInline int
	uploader  Uploader
}

// NewBuilder picks S3 when a bucket is configured and the local output
// directory otherwise.
func NewBuilder(ctx context.Context, cfg config.Config) (*Builder, error) {
	var up Uploader
	if cfg.ResultS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &S3Uploader{client: client, bucket: cfg.ResultS3Bucket}
	} else {
		dir := cfg.ResultOutputDir
		if dir == "" {
			dir = "./output"
		}
		up = &LocalUploader{BaseDir: dir}
	}
	return New(cfg.InlineResultMaxBytes, up), nil
}

// New returns a builder that inlines results up to maxInline bytes.
func New(maxInline int, up Uploader) *Builder {
	return &Builder{maxInline: maxInline, uploader: up}
}

// Build returns either the inline bytes or the uploaded reference. Upload
// failures are transient; the object key is derived from the task id so a
// retried upload overwrites rather than duplicates.
func (b *Builder) Build(ctx context.Context, taskID string, result []byte) ([]byte, *string, error) {
	if len(result) <= b.maxInline || b.uploader == nil {
		return result, nil, nil
	}
	key, contentType := "results/"+taskID+".bin", "application/octet-stream"
	if json.Valid(result) {
		key, contentType = "results/"+taskID+".json", "application/json"
	}
	ref, err := b.uploader.Upload(ctx, key, result, contentType)
	if err != nil {
		return nil, nil, failure.Transient(fmt.Errorf("upload result: %w", err))
	}
	return nil, &ref, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ResultS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ResultS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ResultS3Endpoint)
		}
		o.UsePathStyle = cfg.ResultS3PathStyle
	}), nil
}

// LocalUploader writes objects below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.Clean("/"+key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	// Write then rename so readers never observe a partial object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
	}
	return "file://" + path, nil
}

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
