package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"opsdash/pkg/logging"
)

// MinIOConfig MinIO 连接配置
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOSink 将归档以 JSON 对象写入 MinIO
type MinIOSink struct {
	mc     *minio.Client
	bucket string
	logger *logging.Logger
}

// NewMinIOSink 创建 MinIO 归档
func NewMinIOSink(cfg MinIOConfig, logger *logging.Logger) (*MinIOSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "opsdash-diagnostics"
	}
	if logger == nil {
		logger = logging.Default("archive")
	}
	return &MinIOSink{mc: mc, bucket: bucket, logger: logger}, nil
}

// EnsureBucket 确保 bucket 存在
func (s *MinIOSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		s.logger.Info("Created bucket", "bucket", s.bucket)
	}
	return nil
}

func (s *MinIOSink) Store(ctx context.Context, d Dump) (string, error) {
	if len(d.Events) == 0 {
		return "", ErrEmptyDump
	}
	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode dump: %w", err)
	}

	key := d.Key()
	_, err = s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"session-id": d.SessionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Info("Event buffer archived", "bucket", s.bucket, "key", key, "events", len(d.Events))
	return key, nil
}

// Load 读取一次归档
func (s *MinIOSink) Load(ctx context.Context, key string) (Dump, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Dump{}, fmt.Errorf("download %s: %w", key, err)
	}
	defer obj.Close()

	var d Dump
	if err := json.NewDecoder(obj).Decode(&d); err != nil {
		return Dump{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return d, nil
}

// Delete 删除一次归档
func (s *MinIOSink) Delete(ctx context.Context, key string) error {
	return s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *MinIOSink) Close() error { return nil }
