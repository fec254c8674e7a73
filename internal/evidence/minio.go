package evidence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vigil/internal/pipeline"
)

// MinioConfig configures evidence upload to S3 compatible storage
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseTLS    bool   `mapstructure:"use_tls"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// MinioStore uploads evidence images to a bucket, partitioned by day
type MinioStore struct {
	mc     *minio.Client
	bucket string
	prefix string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "evidence"
	}
	return &MinioStore{mc: mc, bucket: cfg.Bucket, prefix: prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (s *MinioStore) Save(ctx context.Context, ev pipeline.Evidence) (string, error) {
	data, err := Annotate(ev.Frame, ev.BBox, ev.Label)
	if err != nil {
		return "", err
	}

	key := ObjectPath(s.prefix, ev.Timestamp, ev.CameraID, FileName(ev))
	_, err = s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
		UserMetadata: map[string]string{
			"camera-id": ev.CameraID,
			"track-id":  fmt.Sprintf("%d", ev.TrackID),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload evidence %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// ObjectPath partitions evidence objects by UTC day and camera
func ObjectPath(prefix string, t time.Time, cameraID, file string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/camera=%s/%s",
		prefix, t.Year(), t.Month(), t.Day(), cameraID, file)
}

var _ pipeline.EvidenceStore = (*MinioStore)(nil)
