package research

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lazypower/grove/internal/config"
)

// S3Storage keeps the three queue documents as objects in an S3-compatible
// bucket.
type S3Storage struct {
	client *minio.Client
	bucket string
	prefix string
	region string

	initOnce sync.Once
	initErr  error
}

// NewS3Storage connects to the configured endpoint. The bucket is created
// on first use if missing.
func NewS3Storage(cfg config.S3Config) (*S3Storage, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		region: region,
	}, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// get returns nil data for a missing object.
func (s *S3Storage) get(ctx context.Context, name string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (s *S3Storage) put(ctx context.Context, name string, v any) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (s *S3Storage) LoadQueue(ctx context.Context) ([]*Task, error) {
	data, err := s.get(ctx, queueObject)
	if err != nil {
		return nil, err
	}
	return decodeTasks(data)
}

func (s *S3Storage) SaveQueue(ctx context.Context, tasks []*Task) error {
	return s.put(ctx, queueObject, nonNil(tasks))
}

func (s *S3Storage) LoadHistory(ctx context.Context) ([]*Task, error) {
	data, err := s.get(ctx, historyObject)
	if err != nil {
		return nil, err
	}
	return decodeTasks(data)
}

func (s *S3Storage) SaveHistory(ctx context.Context, tasks []*Task) error {
	return s.put(ctx, historyObject, nonNil(tasks))
}

func (s *S3Storage) LoadProposals(ctx context.Context) ([]*Proposal, error) {
	data, err := s.get(ctx, proposalsObject)
	if err != nil {
		return nil, err
	}
	return decodeProposals(data)
}

func (s *S3Storage) SaveProposals(ctx context.Context, proposals []*Proposal) error {
	if proposals == nil {
		proposals = []*Proposal{}
	}
	return s.put(ctx, proposalsObject, proposals)
}
