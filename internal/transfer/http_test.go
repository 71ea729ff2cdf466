package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthdata-download/edd/internal/logger"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type recorder struct {
	mu        sync.Mutex
	progress  []Progress
	redirects []string
	intercept func(location string) bool
	completed chan Progress
	failed    chan error
}

func newRecorder() *recorder {
	return &recorder{completed: make(chan Progress, 1), failed: make(chan error, 1)}
}

func (r *recorder) OnProgress(_, _ string, p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recorder) OnCompleted(_, _ string, p Progress) { r.completed <- p }

func (r *recorder) OnFailed(_, _ string, err error) { r.failed <- err }

func (r *recorder) OnRedirect(_, _, location string) bool {
	r.mu.Lock()
	r.redirects = append(r.redirects, location)
	r.mu.Unlock()
	return r.intercept != nil && r.intercept(location)
}

func (r *recorder) waitCompleted(t *testing.T) Progress {
	t.Helper()
	select {
	case p := <-r.completed:
		return p
	case err := <-r.failed:
		t.Fatalf("transfer failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return Progress{}
}

func (r *recorder) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.completed:
		t.Fatalf("unexpected completion: %+v", p)
	case err := <-r.failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func newTestTransferer(fs afero.Fs, token string) *HTTPTransferer {
	return NewHTTPTransferer(fs, staticToken(token), HTTPConfig{UserAgent: "edd-test", ChunkSize: 4}, logger.Discard())
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestHTTPTransferer_Completes(t *testing.T) {
	var gotAuth, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	rec := newRecorder()
	_, err := newTestTransferer(fs, "abc").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "a.nc", URL: srv.URL + "/a.nc", Destination: "/data/dl",
	}, rec)
	require.NoError(t, err)

	p := rec.waitCompleted(t)
	assert.Equal(t, int64(11), p.ReceivedBytes)
	assert.Equal(t, int64(11), p.TotalBytes)
	assert.Equal(t, "hello world", readFile(t, fs, "/data/dl/a.nc"))
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "edd-test", gotAgent)

	exists, _ := afero.Exists(fs, "/data/dl/a.nc"+tempSuffix)
	assert.False(t, exists, "temp file should be renamed")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.progress)
	for _, tick := range rec.progress {
		assert.Less(t, tick.ReceivedBytes, tick.TotalBytes, "only OnCompleted reports the full size")
	}
}

// renameFailFs fails every rename, like a full or read-only destination
type renameFailFs struct {
	afero.Fs
}

func (renameFailFs) Rename(oldname, newname string) error {
	return errors.New("disk full")
}

func TestHTTPTransferer_RenameFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	fs := renameFailFs{Fs: afero.NewMemMapFs()}
	rec := newRecorder()
	_, err := newTestTransferer(fs, "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "a.nc", URL: srv.URL + "/a.nc", Destination: "/data/dl",
	}, rec)
	require.NoError(t, err)

	select {
	case err := <-rec.failed:
		assert.Contains(t, err.Error(), "disk full")
	case p := <-rec.completed:
		t.Fatalf("unexpected completion: %+v", p)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	exists, _ := afero.Exists(fs, "/data/dl/a.nc")
	assert.False(t, exists)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, tick := range rec.progress {
		assert.Less(t, tick.ReceivedBytes, int64(5), "no tick may claim the file is complete")
	}
}

func TestHTTPTransferer_NoTokenNoHeader(t *testing.T) {
	gotAuth := "unset"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	rec := newRecorder()
	_, err := newTestTransferer(afero.NewMemMapFs(), "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "x", URL: srv.URL, Destination: "/d",
	}, rec)
	require.NoError(t, err)
	rec.waitCompleted(t)
	assert.Empty(t, gotAuth)
}

func TestHTTPTransferer_ResumesFromTempFile(t *testing.T) {
	content := []byte("hello world")
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		http.ServeContent(w, r, "a.nc", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/d/a.nc"+tempSuffix, []byte("hello "), 0644))

	rec := newRecorder()
	_, err := newTestTransferer(fs, "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "a.nc", URL: srv.URL, Destination: "/d",
	}, rec)
	require.NoError(t, err)

	p := rec.waitCompleted(t)
	assert.Equal(t, "bytes=6-", gotRange)
	assert.Equal(t, int64(11), p.TotalBytes)
	assert.Equal(t, "hello world", readFile(t, fs, "/d/a.nc"))
}

func TestHTTPTransferer_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	rec := newRecorder()
	_, err := newTestTransferer(afero.NewMemMapFs(), "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "a", URL: srv.URL, Destination: "/d",
	}, rec)
	require.NoError(t, err)

	select {
	case err := <-rec.failed:
		assert.Contains(t, err.Error(), "404")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	t.Run("missing url", func(t *testing.T) {
		_, err := newTestTransferer(afero.NewMemMapFs(), "").Start(context.Background(), Request{Filename: "a"}, rec)
		assert.Error(t, err)
	})
}

func TestHTTPTransferer_InterceptsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/oauth/authorize?client_id=x", http.StatusFound)
	})
	mux.HandleFunc("/oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	rec := newRecorder()
	rec.intercept = func(location string) bool { return strings.Contains(location, "oauth/authorize") }

	_, err := newTestTransferer(fs, "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "file", URL: srv.URL + "/file", Destination: "/d",
	}, rec)
	require.NoError(t, err)

	rec.assertSilent(t)
	rec.mu.Lock()
	require.Len(t, rec.redirects, 1)
	assert.Contains(t, rec.redirects[0], "/oauth/authorize")
	rec.mu.Unlock()

	exists, _ := afero.Exists(fs, "/d/file")
	assert.False(t, exists)
}

// blockingServer writes head, then holds the connection open until the
// client goes away. Ranged requests get the rest of body.
func blockingServer(body []byte, head int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(body))
			return
		}
		w.Header().Set("Content-Length", "11")
		w.WriteHeader(http.StatusOK)
		w.Write(body[:head])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
}

func TestHTTPTransferer_PauseResume(t *testing.T) {
	body := []byte("hello world")
	srv := blockingServer(body, 5)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	rec := newRecorder()
	h, err := newTestTransferer(fs, "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "f", URL: srv.URL, Destination: "/d",
	}, rec)
	require.NoError(t, err)

	temp := "/d/f" + tempSuffix
	require.Eventually(t, func() bool {
		data, err := afero.ReadFile(fs, temp)
		return err == nil && len(data) == 5
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Pause())
	rec.assertSilent(t)

	// paused twice is a no-op
	require.NoError(t, h.Pause())

	require.NoError(t, h.Resume())
	rec.waitCompleted(t)
	assert.Equal(t, "hello world", readFile(t, fs, "/d/f"))
}

func TestHTTPTransferer_Cancel(t *testing.T) {
	srv := blockingServer([]byte("hello world"), 5)
	defer srv.Close()

	fs := afero.NewMemMapFs()
	rec := newRecorder()
	h, err := newTestTransferer(fs, "").Start(context.Background(), Request{
		DownloadID: "dl", Filename: "f", URL: srv.URL, Destination: "/d",
	}, rec)
	require.NoError(t, err)

	temp := "/d/f" + tempSuffix
	require.Eventually(t, func() bool {
		exists, _ := afero.Exists(fs, temp)
		return exists
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Cancel())
	require.NoError(t, h.Cancel())
	require.NoError(t, h.Resume())

	rec.assertSilent(t)
	assert.Eventually(t, func() bool {
		exists, _ := afero.Exists(fs, temp)
		return !exists
	}, 5*time.Second, 10*time.Millisecond)
}
