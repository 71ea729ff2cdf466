package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/earthdata-download/edd/internal/logger"
)

const (
	tempSuffix       = ".edddownload"
	defaultChunkSize = 32 * 1024
	maxRedirects     = 10
)

// TokenSource supplies the bearer token attached to transfer requests.
// An empty token means the user is signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPConfig tunes the HTTP transferer
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration // whole-request timeout, 0 = none
	ChunkSize int
}

// HTTPTransferer fetches files over HTTP(S) into an afero filesystem,
// resuming partial files with Range requests.
type HTTPTransferer struct {
	fs        afero.Fs
	tokens    TokenSource
	config    HTTPConfig
	transport http.RoundTripper
	log       *logger.Logger

	mu   sync.Mutex
	jar  http.CookieJar
	runs map[string]chan struct{} // last queued run per destination file
}

// NewHTTPTransferer creates a transferer writing into fs
func NewHTTPTransferer(fs afero.Fs, tokens TokenSource, config HTTPConfig, log *logger.Logger) *HTTPTransferer {
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaultChunkSize
	}
	if log == nil {
		log = logger.GetLogger()
	}
	jar, _ := cookiejar.New(nil)
	return &HTTPTransferer{
		fs:     fs,
		tokens: tokens,
		config: config,
		log:    log,
		jar:    jar,
		runs:   make(map[string]chan struct{}),
	}
}

// WithTransport swaps the round tripper, mostly for tests
func (t *HTTPTransferer) WithTransport(rt http.RoundTripper) *HTTPTransferer {
	t.transport = rt
	return t
}

// ResetCookies drops every cookie collected by earlier transfers
func (t *HTTPTransferer) ResetCookies() {
	jar, _ := cookiejar.New(nil)
	t.mu.Lock()
	t.jar = jar
	t.mu.Unlock()
}

// chain runs fn after every earlier run queued for path. Runs touching
// the same temp file never overlap, across handles too.
func (t *HTTPTransferer) chain(path string, fn func()) {
	done := make(chan struct{})
	t.mu.Lock()
	prev := t.runs[path]
	t.runs[path] = done
	t.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		fn()
		t.mu.Lock()
		if t.runs[path] == done {
			delete(t.runs, path)
		}
		t.mu.Unlock()
		close(done)
	}()
}

func (t *HTTPTransferer) cookieJar() http.CookieJar {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jar
}

// Start begins fetching req.URL into req.Destination/req.Filename. It
// returns as soon as the transfer goroutine is scheduled.
func (t *HTTPTransferer) Start(ctx context.Context, req Request, l Listener) (Handle, error) {
	if req.Filename == "" || req.URL == "" {
		return nil, fmt.Errorf("transfer needs a url and a file name")
	}
	if err := t.fs.MkdirAll(req.Destination, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination %s: %w", req.Destination, err)
	}

	h := &httpHandle{t: t, req: req, l: l, parent: context.WithoutCancel(ctx)}
	h.mu.Lock()
	h.launch()
	h.mu.Unlock()
	return h, nil
}

// httpHandle is one file transfer. Pause cancels the in-flight request
// and keeps the partial file; Resume issues a new ranged request.
type httpHandle struct {
	t      *HTTPTransferer
	req    Request
	l      Listener
	parent context.Context

	mu        sync.Mutex
	cancel    context.CancelFunc
	running   bool
	paused    bool
	cancelled bool
}

// launch starts a run; h.mu must be held
func (h *httpHandle) launch() {
	ctx, cancel := context.WithCancel(h.parent)
	h.cancel = cancel
	h.running = true
	h.paused = false
	h.t.chain(h.finalPath(), func() { h.run(ctx) })
}

func (h *httpHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.cancelled {
		return nil
	}
	h.paused = true
	h.running = false
	h.cancel()
	return nil
}

func (h *httpHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.cancelled {
		return nil
	}
	h.launch()
	return nil
}

func (h *httpHandle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return nil
	}
	h.cancelled = true
	wasRunning := h.running
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	if !wasRunning {
		h.t.chain(h.finalPath(), func() { h.t.fs.Remove(h.tempPath()) })
	}
	return nil
}

// stopped reports whether a pause or cancel asked this run to exit
func (h *httpHandle) stopped() (stop bool, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused || h.cancelled, h.cancelled
}

func (h *httpHandle) finish() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

func (h *httpHandle) tempPath() string {
	return filepath.Join(h.req.Destination, h.req.Filename+tempSuffix)
}

func (h *httpHandle) finalPath() string {
	return filepath.Join(h.req.Destination, h.req.Filename)
}

func (h *httpHandle) run(ctx context.Context) {
	progress, err := h.fetch(ctx)
	if stop, cancelled := h.stopped(); stop {
		if cancelled {
			h.t.fs.Remove(h.tempPath())
		}
		return
	}
	h.finish()

	switch {
	case err == nil:
		h.l.OnCompleted(h.req.DownloadID, h.req.Filename, progress)
	case errors.Is(err, ErrIntercepted):
		h.t.fs.Remove(h.tempPath())
	default:
		h.t.log.WithFields(map[string]interface{}{
			"download_id": h.req.DownloadID,
			"filename":    h.req.Filename,
		}).WithError(err).Warn("transfer failed")
		h.l.OnFailed(h.req.DownloadID, h.req.Filename, err)
	}
}

func (h *httpHandle) client() *http.Client {
	return &http.Client{
		Jar:       h.t.cookieJar(),
		Timeout:   h.t.config.Timeout,
		Transport: h.t.transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if h.l.OnRedirect(h.req.DownloadID, h.req.Filename, r.URL.String()) {
				return ErrIntercepted
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// fetch streams the body into the temp file and renames it on success
func (h *httpHandle) fetch(ctx context.Context) (Progress, error) {
	var startPos int64
	if info, err := h.t.fs.Stat(h.tempPath()); err == nil {
		startPos = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.req.URL, nil)
	if err != nil {
		return Progress{}, err
	}
	if h.t.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.t.config.UserAgent)
	}
	if h.t.tokens != nil {
		token, err := h.t.tokens.Token(ctx)
		if err != nil {
			return Progress{}, fmt.Errorf("failed to read token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			h.t.ResetCookies()
		}
	}
	if startPos > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startPos))
	}

	resp, err := h.client().Do(req)
	if err != nil {
		return Progress{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// server ignored the range, start over
		startPos = 0
	case http.StatusRequestedRangeNotSatisfiable:
		if startPos > 0 {
			p := Progress{ReceivedBytes: startPos, TotalBytes: startPos}
			return p, h.t.fs.Rename(h.tempPath(), h.finalPath())
		}
		return Progress{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	default:
		return Progress{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if startPos == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := h.t.fs.OpenFile(h.tempPath(), flags, 0644)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{ReceivedBytes: startPos}
	if resp.ContentLength >= 0 {
		p.TotalBytes = startPos + resp.ContentLength
	}

	buf := make([]byte, h.t.config.ChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				return p, err
			}
			p.ReceivedBytes += int64(n)
			// the byte-complete tick is left to OnCompleted, after the rename
			if stop, _ := h.stopped(); !stop && (p.TotalBytes <= 0 || p.ReceivedBytes < p.TotalBytes) {
				h.l.OnProgress(h.req.DownloadID, h.req.Filename, p)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			return p, readErr
		}
	}
	if err := file.Close(); err != nil {
		return p, err
	}

	if p.TotalBytes == 0 {
		p.TotalBytes = p.ReceivedBytes
	}
	if err := h.t.fs.Rename(h.tempPath(), h.finalPath()); err != nil {
		return p, err
	}
	return p, nil
}
