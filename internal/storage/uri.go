package storage

import (
	"context"
	"fmt"
	"strings"

	"mediaforge-backend/internal/config"
)

var supportedSchemes = []string{"gs", "s3"}

// ParseURI splits "gs://bucket/key" or "s3://bucket/key" into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	for _, scheme := range supportedSchemes {
		rest, ok := strings.CutPrefix(uri, scheme+"://")
		if !ok {
			continue
		}
		bucket, key, _ = strings.Cut(rest, "/")
		if bucket == "" {
			return "", "", fmt.Errorf("missing bucket in uri %q", uri)
		}
		return bucket, key, nil
	}
	return "", "", fmt.Errorf("unsupported storage uri %q: expected gs:// or s3://", uri)
}

func IsURI(s string) bool {
	for _, scheme := range supportedSchemes {
		if strings.HasPrefix(s, scheme+"://") {
			return true
		}
	}
	return false
}

func URI(scheme, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, bucket, key)
}

func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Provider(ctx, S3ClientConfig{
			Endpoint:        cfg.EndpointURL,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "minio":
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.EndpointURL, "http://"), "https://")
		return NewMinioProvider(MinioConfig{
			Endpoint:  endpoint,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.Region,
		})
	case "local":
		return NewLocalProvider(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("invalid storage backend %q", cfg.Backend)
	}
}
