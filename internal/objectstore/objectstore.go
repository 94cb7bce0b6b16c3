// Package objectstore mirrors run archives to an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/signalnine/gauntlet/internal/config"
)

const archiveContentType = "application/zstd"

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	UseSSL    bool
	AccessKey string
	SecretKey string
	Prefix    string
}

// FromMirror resolves the mirror settings, reading keys from the named
// environment variables.
func FromMirror(m config.Mirror) Config {
	cfg := Config{
		Endpoint: m.Endpoint,
		Bucket:   m.Bucket,
		Region:   m.Region,
		UseSSL:   m.UseSSL,
		Prefix:   m.Prefix,
	}
	if m.AccessKeyEnv != "" {
		cfg.AccessKey = os.Getenv(m.AccessKeyEnv)
	}
	if m.SecretKeyEnv != "" {
		cfg.SecretKey = os.Getenv(m.SecretKeyEnv)
	}
	return cfg
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("mirror endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("mirror endpoint %q must be host[:port] without a scheme", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("mirror bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("mirror access key and secret key must be set together")
	}
	return nil
}

// Key is the object key for an archive of runID under framework.
func (c Config) Key(framework, runID string) string {
	return path.Join(strings.Trim(c.Prefix, "/"), framework, runID+".tar.zst")
}

type Store struct {
	client *minio.Client
	cfg    Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) Config() Config { return s.cfg }

// Put uploads the file at localPath under key and confirms the stored
// object has the same size.
func (s *Store) Put(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	putCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if _, err := s.client.PutObject(putCtx, s.cfg.Bucket, key, f, st.Size(),
		minio.PutObjectOptions{ContentType: archiveContentType}); err != nil {
		return 0, fmt.Errorf("uploading %s: %w", key, err)
	}
	if err := s.Check(ctx, key, st.Size()); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Check stats key and compares its size with want.
func (s *Store) Check(ctx context.Context, key string, want int64) error {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if info.Size != want {
		return fmt.Errorf("mirrored %s is %d bytes, want %d", key, info.Size, want)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Key is the object key for an archive of runID under framework.
func (s *Store) Key(framework, runID string) string { return s.cfg.Key(framework, runID) }
