// Package objstore implements the object storage adapter.
//
// HTTPStore speaks to an S3-style HTTP endpoint using HMAC request signing.
// When no endpoint is configured the no-op store stands in and returns
// placeholder URLs, which keeps dev and test environments credential-free.
package objstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/renderflow/internal/config"
	"github.com/fairyhunter13/renderflow/internal/domain"
)

// New returns the configured storage implementation: an HTTPStore when the
// endpoint is set, otherwise the no-op placeholder store.
func New(cfg config.Config) domain.Storage {
	if !cfg.StorageEnabled() {
		slog.Warn("object store not configured; uploads return placeholder URLs")
		return &NoopStore{Bucket: cfg.ObjectStoreBucket}
	}
	return &HTTPStore{
		Endpoint: cfg.ObjectStoreEndpoint,
		Access:   cfg.ObjectStoreAccess,
		Secret:   cfg.ObjectStoreSecret,
		Bucket:   cfg.ObjectStoreBucket,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// HTTPStore uploads objects over HTTP with HMAC-SHA256 signed requests.
type HTTPStore struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	Client   *http.Client
}

func (s *HTTPStore) objectURL(key string) string {
	return s.Endpoint + "/" + s.Bucket + "/" + key
}

func (s *HTTPStore) sign(method, key string, expires int64, contentType string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	fmt.Fprintf(mac, "%s\n%s/%s\n%d\n%s", method, s.Bucket, key, expires, contentType)
	return hex.EncodeToString(mac.Sum(nil))
}

// Upload PUTs the local file to the bucket and returns its public URL and
// size. Transient 5xx responses are retried with exponential backoff.
func (s *HTTPStore) Upload(ctx context.Context, localPath, key, contentType string) (string, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("op=storage.upload: %w", err)
	}
	size := info.Size()

	op := func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() { _ = f.Close() }()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), f)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", contentType)
		s.authorize(req, http.MethodPut, key, contentType)

		resp, err := s.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("put status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("put status %d", resp.StatusCode))
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, 3), ctx)); err != nil {
		return "", 0, fmt.Errorf("op=storage.upload key=%s: %w", key, err)
	}
	return s.PublicURL(key), size, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("op=storage.delete: %w", err)
	}
	s.authorize(req, http.MethodDelete, key, "")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("op=storage.delete key=%s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("op=storage.delete key=%s: status %d", key, resp.StatusCode)
	}
	return nil
}

// PresignedPut returns a time-limited PUT URL carrying the HMAC signature as
// query parameters.
func (s *HTTPStore) PresignedPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires := time.Now().Add(ttl).Unix()
	v := url.Values{}
	v.Set("X-Access", s.Access)
	v.Set("X-Expires", strconv.FormatInt(expires, 10))
	v.Set("X-Content-Type", contentType)
	v.Set("X-Signature", s.sign(http.MethodPut, key, expires, contentType))
	return s.objectURL(key) + "?" + v.Encode(), nil
}

// PublicURL returns the unsigned public URL for key.
func (s *HTTPStore) PublicURL(key string) string { return s.objectURL(key) }

func (s *HTTPStore) authorize(req *http.Request, method, key, contentType string) {
	expires := time.Now().Add(5 * time.Minute).Unix()
	req.Header.Set("X-Access", s.Access)
	req.Header.Set("X-Expires", strconv.FormatInt(expires, 10))
	req.Header.Set("X-Signature", s.sign(method, key, expires, contentType))
}

// NoopStore is the degraded implementation used when credentials are absent.
type NoopStore struct{ Bucket string }

// Upload logs the would-be upload and returns a placeholder URL.
func (s *NoopStore) Upload(_ context.Context, localPath, key, _ string) (string, int64, error) {
	var size int64
	if info, err := os.Stat(localPath); err == nil {
		size = info.Size()
	}
	slog.Info("noop storage upload", slog.String("key", key), slog.Int64("size", size))
	return s.PublicURL(key), size, nil
}

// Delete is a no-op.
func (s *NoopStore) Delete(_ context.Context, key string) error {
	slog.Info("noop storage delete", slog.String("key", key))
	return nil
}

// PresignedPut returns a placeholder URL.
func (s *NoopStore) PresignedPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return s.PublicURL(key), nil
}

// PublicURL returns a placeholder URL under the storage.invalid host.
func (s *NoopStore) PublicURL(key string) string {
	return "https://storage.invalid/" + s.Bucket + "/" + key
}
