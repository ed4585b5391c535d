// Package archive keeps a copy of exhausted queue items before they are purged.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
)

// Archiver stores a batch of purged items and returns where they went.
type Archiver interface {
	Archive(ctx context.Context, items []models.QueueItem) (string, error)
}

// Document is the archived JSON body.
type Document struct {
	ArchivedAt time.Time          `json:"archived_at"`
	Count      int                `json:"count"`
	Items      []models.QueueItem `json:"items"`
}

// New picks S3 when a bucket is configured, else the local directory.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Archiver(client, cfg.ArchiveS3Bucket), nil
	}
	dir := cfg.ArchiveDir
	if dir == "" {
		dir = "./archive"
	}
	return &FileArchiver{Dir: dir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func encode(items []models.QueueItem, now time.Time) (string, []byte, error) {
	body, err := json.MarshalIndent(Document{ArchivedAt: now, Count: len(items), Items: items}, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode archive: %w", err)
	}
	key := fmt.Sprintf("failed/%s/%d_%s.json", now.Format("2006-01-02"), now.UnixMilli(), uuid.NewString()[:8])
	return key, body, nil
}

// FileArchiver writes archives under Dir.
type FileArchiver struct {
	Dir string
}

func (f *FileArchiver) Archive(_ context.Context, items []models.QueueItem) (string, error) {
	key, body, err := encode(items, time.Now().UTC())
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads archives to a bucket.
type S3Archiver struct {
	client putObjectAPI
	bucket string
}

func NewS3Archiver(client putObjectAPI, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

func (s *S3Archiver) Archive(ctx context.Context, items []models.QueueItem) (string, error) {
	key, body, err := encode(items, time.Now().UTC())
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
