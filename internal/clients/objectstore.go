package clients

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds S3-compatible storage settings.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL is prepended to object names to form the stored media
	// URL, e.g. "https://media.example.com/chatline". When empty, the URL is
	// composed from the endpoint and bucket.
	PublicBaseURL string
}

// ObjectStore uploads media attachments to S3-compatible storage.
type ObjectStore struct {
	client *minio.Client
	config ObjectStoreConfig
	logger *slog.Logger
}

// NewObjectStore creates the store and ensures the bucket exists.
func NewObjectStore(ctx context.Context, config ObjectStoreConfig, logger *slog.Logger) (*ObjectStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	s := &ObjectStore{
		client: client,
		config: config,
		logger: logger,
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created storage bucket",
			slog.String("bucket", config.Bucket),
		)
	}

	return s, nil
}

// Upload stores data under objectName and returns the public URL. Repeating
// an upload for the same object name overwrites the same bytes, so retried
// job attempts are harmless.
func (s *ObjectStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(
		ctx,
		s.config.Bucket,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", domain.NewTransientError(fmt.Errorf("object upload: %w", err))
	}

	s.logger.Debug("Media uploaded to object storage",
		slog.String("object", objectName),
		slog.Int("size", len(data)),
	)

	return s.publicURL(objectName), nil
}

func (s *ObjectStore) publicURL(objectName string) string {
	if s.config.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", s.config.PublicBaseURL, objectName)
	}

	scheme := "http"
	if s.config.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.config.Endpoint, s.config.Bucket, objectName)
}
