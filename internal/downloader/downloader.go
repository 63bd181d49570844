// Package downloader implements a plain HTTP download manager with a cap on parallel downloads.
//
// It is used by the hub package to fetch tokenizer files; callers are responsible for placing
// the downloaded file atomically.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ProgressCallback is called while downloading, with the number of bytes downloaded so far and
// the total, if known (otherwise total is -1).
type ProgressCallback func(downloaded, total int64)

// Manager handles downloads. The zero value is not usable, use New.
type Manager struct {
	client    *http.Client
	authToken string
	userAgent string
	semaphore chan struct{}
}

// New creates a Manager with at most 4 parallel downloads.
func New() *Manager {
	return &Manager{
		client:    http.DefaultClient,
		userAgent: "tweetgen/1.0",
		semaphore: make(chan struct{}, 4),
	}
}

// MaxParallel sets the maximum number of parallel downloads. Values <= 0 are ignored.
// It must be called before the first download.
func (m *Manager) MaxParallel(n int) *Manager {
	if n > 0 {
		m.semaphore = make(chan struct{}, n)
	}
	return m
}

// WithAuthToken sets the bearer token sent with every request. Empty disables authentication.
func (m *Manager) WithAuthToken(token string) *Manager {
	m.authToken = token
	return m
}

// WithHTTPClient replaces the default HTTP client.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	m.client = client
	return m
}

func (m *Manager) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating request for %q", url)
	}
	req.Header.Set("User-Agent", m.userAgent)
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	return req, nil
}

// Download url to filePath, truncating filePath if it exists.
func (m *Manager) Download(ctx context.Context, url, filePath string, progressCallback ProgressCallback) error {
	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.semaphore }()

	req, err := m.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(url, resp)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	var reader io.Reader = resp.Body
	if progressCallback != nil {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, callback: progressCallback}
	}
	if _, err := io.Copy(f, reader); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "downloading %q", url)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// FetchBytes issues a GET to url and returns the whole body. Used for small JSON API calls.
func (m *Manager) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := m.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(url, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %q", url)
	}
	return body, nil
}

func statusError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return errors.Errorf("request to %q failed: %s", url, resp.Status)
	}
	return errors.Errorf("request to %q failed: %s: %s", url, resp.Status, msg)
}

type progressReader struct {
	r          io.Reader
	downloaded int64
	total      int64
	callback   ProgressCallback
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.downloaded += int64(n)
	p.callback(p.downloaded, p.total)
	return n, err
}

// String implements fmt.Stringer, for debugging.
func (m *Manager) String() string {
	return fmt.Sprintf("downloader.Manager{maxParallel=%d, auth=%v}", cap(m.semaphore), m.authToken != "")
}
