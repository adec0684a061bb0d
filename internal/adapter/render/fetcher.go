// Package render provides the code fetcher, workspace manager, and the
// bundler/renderer implementations backing the worker pipeline. The real
// bundler and renderer shell out to the external render CLI; stub
// implementations back dev and test environments, mirroring the mock AI
// client pattern used elsewhere in the stack.
package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBundleBytes caps fetched user code to keep a hostile code_url from
// exhausting worker memory.
const maxBundleBytes = 10 << 20

// HTTPFetcher implements domain.CodeFetcher over plain HTTP GET.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher constructs a fetcher with a bounded timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch retrieves the code bundle. Non-2xx responses and empty bodies fail.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.get url=%s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=fetch.get url=%s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("op=fetch.read: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("op=fetch.get url=%s: empty body", url)
	}
	if len(body) > maxBundleBytes {
		return nil, fmt.Errorf("op=fetch.get url=%s: bundle exceeds %d bytes", url, maxBundleBytes)
	}
	return body, nil
}
