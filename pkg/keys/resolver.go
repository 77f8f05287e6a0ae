// Package keys fetches encryption keys referenced by a playlist into a
// task's output directory. The resolver owns its own HTTP client so key
// traffic is isolated from segment traffic and failures stay independently
// diagnosable.
package keys

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/w1217358955/BszM3u8Downloader/internal/logger"
	"github.com/w1217358955/BszM3u8Downloader/pkg/playlist"
)

const maxKeySize = 1 << 20 // keys are tiny; anything bigger is a bad response

// Resolver downloads playlist encryption keys into one output directory.
// Internal state is synchronized; a Resolver is safe to reuse sequentially
// and each task can hold its own instance without cross-task interference.
type Resolver struct {
	client    *http.Client
	outputDir string
}

// NewResolver creates a resolver writing into outputDir.
func NewResolver(outputDir string) *Resolver {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Resolver{
		client:    &http.Client{Transport: transport},
		outputDir: outputDir,
	}
}

// Resolve extracts every key URI from the playlist lines, resolves relative
// URIs against base, and fetches each to the output directory. It blocks the
// caller up to timeout; on timeout the keys resolved so far are returned and
// the failure flag is set. The flag is also set when any key fails to fetch
// or persist.
func (r *Resolver) Resolve(ctx context.Context, lines []string, base *url.URL, timeout time.Duration) (map[string]string, bool) {
	uris := playlist.KeyURIs(lines)
	keyMap := make(map[string]string, len(uris))
	if len(uris) == 0 {
		return keyMap, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		hadError bool
	)

	for _, uri := range uris {
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()

			remote := playlist.ResolveURL(base, uri)
			local := playlist.LocalFilename(remote)
			if err := r.fetchKey(ctx, remote, local); err != nil {
				logger.Warnf("key fetch failed for %s: %v", remote, err)
				mu.Lock()
				hadError = true
				mu.Unlock()
				return
			}
			mu.Lock()
			keyMap[uri] = local
			mu.Unlock()
		}(uri)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("key resolution timed out after %v", timeout)
		mu.Lock()
		hadError = true
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	result := make(map[string]string, len(keyMap))
	for k, v := range keyMap {
		result[k] = v
	}
	return result, hadError
}

func (r *Resolver) fetchKey(ctx context.Context, remote, local string) error {
	dst := filepath.Join(r.outputDir, local)
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return fmt.Errorf("failed to create key request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("key request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty key response")
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist key: %w", err)
	}
	return nil
}
