package ips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxBundleSize is the largest bundle accepted from a file, upload or URL.
const DefaultMaxBundleSize int64 = 10 << 20

var (
	ErrNotJSONFile    = errors.New("ips: bundle file must have a .json extension")
	ErrBundleTooLarge = errors.New("ips: bundle exceeds the maximum size")
)

// Loader reads raw bundles from files, uploads and URLs and parses them.
type Loader struct {
	parser  *Parser
	maxSize int64
	client  *http.Client
}

// NewLoader creates a loader enforcing maxSize bytes. A non-positive size uses DefaultMaxBundleSize.
func NewLoader(maxSize int64, timeout time.Duration) *Loader {
	if maxSize <= 0 {
		maxSize = DefaultMaxBundleSize
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		parser:  NewParser(),
		maxSize: maxSize,
		client:  &http.Client{Timeout: timeout},
	}
}

// MaxSize returns the configured size ceiling in bytes.
func (l *Loader) MaxSize() int64 { return l.maxSize }

// Parse parses an in-memory bundle after checking its size.
func (l *Loader) Parse(raw []byte) (*ParsedBundle, error) {
	if int64(len(raw)) > l.maxSize {
		return nil, ErrBundleTooLarge
	}
	return l.parser.Parse(raw)
}

// LoadFile reads and parses a bundle from disk.
func (l *Loader) LoadFile(path string) (*ParsedBundle, error) {
	if err := CheckFileName(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat bundle file: %w", err)
	}
	if info.Size() > l.maxSize {
		return nil, ErrBundleTooLarge
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle file: %w", err)
	}
	defer f.Close()

	raw, err := l.read(f)
	if err != nil {
		return nil, err
	}
	return l.parser.Parse(raw)
}

// LoadUpload parses an uploaded bundle given its original file name and declared size.
func (l *Loader) LoadUpload(name string, size int64, r io.Reader) (*ParsedBundle, error) {
	if err := CheckFileName(name); err != nil {
		return nil, err
	}
	if size > l.maxSize {
		return nil, ErrBundleTooLarge
	}
	raw, err := l.read(r)
	if err != nil {
		return nil, err
	}
	return l.parser.Parse(raw)
}

// Fetch downloads and parses a bundle from url.
func (l *Loader) Fetch(ctx context.Context, url string) (*ParsedBundle, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("ips: unsupported bundle url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build bundle request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json, application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch bundle: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > l.maxSize {
		return nil, ErrBundleTooLarge
	}
	raw, err := l.read(resp.Body)
	if err != nil {
		return nil, err
	}
	return l.parser.Parse(raw)
}

// read consumes r, failing once more than maxSize bytes are seen.
func (l *Loader) read(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, l.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	if int64(len(raw)) > l.maxSize {
		return nil, ErrBundleTooLarge
	}
	return raw, nil
}

// CheckFileName rejects names without a .json extension.
func CheckFileName(name string) error {
	if !strings.EqualFold(filepath.Ext(name), ".json") {
		return ErrNotJSONFile
	}
	return nil
}
