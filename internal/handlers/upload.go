package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pullci/internal/core"
)

// UploadConfig locates an S3-compatible bucket.
type UploadConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks that the config can address a bucket.
func (c UploadConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("upload endpoint is required"))
	} else if strings.Contains(c.Endpoint, "://") {
		errs = append(errs, errors.New("upload endpoint must be host[:port] without scheme"))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		errs = append(errs, errors.New("upload bucket is required"))
	}
	return errors.Join(errs...)
}

// merge overlays the step's with.* keys on the operator defaults.
func (c UploadConfig) merge(cfg map[string]any) (UploadConfig, error) {
	out := c
	for key, dst := range map[string]*string{
		"endpoint":   &out.Endpoint,
		"bucket":     &out.Bucket,
		"access_key": &out.AccessKey,
		"secret_key": &out.SecretKey,
		"region":     &out.Region,
	} {
		v, err := stringOpt(cfg, key)
		if err != nil {
			return out, err
		}
		if v != "" {
			*dst = v
		}
	}
	ssl, err := boolOpt(cfg, "use_ssl", out.UseSSL)
	if err != nil {
		return out, err
	}
	out.UseSSL = ssl
	return out, nil
}

// UploadInfo describes a stored object.
type UploadInfo struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

// Uploader stores a local file under bucket/key.
type Uploader interface {
	PutFile(ctx context.Context, bucket, key, path, contentType string) (UploadInfo, error)
}

type minioUploader struct {
	client *minio.Client
}

// NewMinIOUploader returns an Uploader backed by minio-go.
func NewMinIOUploader(cfg UploadConfig) (Uploader, error) {
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
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &minioUploader{client: client}, nil
}

func (u *minioUploader) PutFile(ctx context.Context, bucket, key, path, contentType string) (UploadInfo, error) {
	info, err := u.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return UploadInfo{}, err
	}
	return UploadInfo{Bucket: info.Bucket, Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
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
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Upload sends a produced file, typically a coverage report, to object
// storage.
//
//	with:
//	  file: cobertura.xml
//	  key: reports/{run}/cobertura.xml   (default: <run-id>/<basename>)
//	  content_type: application/xml
//	  fail_ci_if_error: false
//	  endpoint, bucket, access_key, secret_key, region, use_ssl
//
// With fail_ci_if_error unset an upload error is recorded as a warning and
// the step succeeds, unless the step's timeout fired first.
type Upload struct {
	Defaults    UploadConfig
	NewUploader func(UploadConfig) (Uploader, error)
}

func (h *Upload) Execute(ctx context.Context, in core.StepInput) (core.ExitInfo, error) {
	file, err := requireString(in.Config, "file")
	if err != nil {
		return configFailure(err)
	}
	failOnError, err := boolOpt(in.Config, "fail_ci_if_error", false)
	if err != nil {
		return configFailure(err)
	}
	key, err := stringOpt(in.Config, "key")
	if err != nil {
		return configFailure(err)
	}
	contentType, err := stringOpt(in.Config, "content_type")
	if err != nil {
		return configFailure(err)
	}
	cfg, err := h.Defaults.merge(in.Config)
	if err != nil {
		return configFailure(err)
	}

	path := file
	if !filepath.IsAbs(path) && in.Workspace != "" {
		path = filepath.Join(in.Workspace, file)
	}
	if key == "" {
		key = in.RunID + "/" + filepath.Base(file)
	} else {
		key = strings.ReplaceAll(key, "{run}", in.RunID)
	}

	info, err := h.put(ctx, cfg, key, path, contentType)
	if err != nil {
		msg := fmt.Sprintf("upload of %s failed: %v", file, err)
		if failOnError {
			return core.ExitInfo{Code: -1, Message: msg}, err
		}
		if in.Logger != nil {
			in.Logger.Warn("Upload failed, continuing", "file", file, "error", err)
		}
		return core.ExitInfo{Message: msg, Details: map[string]any{"warning": err.Error()}}, nil
	}
	return core.ExitInfo{
		Message: fmt.Sprintf("uploaded %s to %s/%s", file, info.Bucket, info.Key),
		Details: map[string]any{"bucket": info.Bucket, "key": info.Key, "size": info.Size, "etag": info.ETag},
	}, nil
}

func (h *Upload) put(ctx context.Context, cfg UploadConfig, key, path, contentType string) (UploadInfo, error) {
	if err := cfg.Validate(); err != nil {
		return UploadInfo{}, err
	}
	newUploader := h.NewUploader
	if newUploader == nil {
		newUploader = NewMinIOUploader
	}
	u, err := newUploader(cfg)
	if err != nil {
		return UploadInfo{}, err
	}
	return u.PutFile(ctx, cfg.Bucket, key, path, contentType)
}
