package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	presign    time.Duration
}

var _ domain.ArtifactStore = (*Store)(nil)

// Options koneksi MinIO
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// PresignTTL > 0 returns presigned GET URLs instead of plain object URLs.
	PresignTTL time.Duration
}

// New buat koneksi MinIO
func New(ctx context.Context, o Options) (*Store, error) {
	cli, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
		Region: o.Region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, o.Bucket, minio.MakeBucketOptions{Region: o.Region}); err != nil {
			return nil, err
		}
	}

	return &Store{client: cli, bucketName: o.Bucket, region: o.Region, presign: o.PresignTTL}, nil
}

// Put implementasi ArtifactStore: raw tool output langsung dari memory
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentType(key)
	}
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	if s.presign > 0 {
		u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.presign, nil)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	// URL publik (jika bucket public)
	return ObjectURL(s.client.EndpointURL().Scheme, s.client.EndpointURL().Host, s.bucketName, key), nil
}

// ContentType guesses from the key extension.
func ContentType(key string) string {
	switch path.Ext(key) {
	case ".json", ".sarif":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".html":
		return "text/html"
	case ".out", ".txt", ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}

func ObjectURL(scheme, host, bucket, key string) string {
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, bucket, key)
}
