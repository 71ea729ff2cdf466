package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthdata-download/edd/internal/config"
	"github.com/earthdata-download/edd/internal/credentials"
	"github.com/earthdata-download/edd/internal/links"
	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/registry"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
	"github.com/earthdata-download/edd/internal/version"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHandle struct{}

func (fakeHandle) Pause() error  { return nil }
func (fakeHandle) Resume() error { return nil }
func (fakeHandle) Cancel() error { return nil }

type fakeTransferer struct {
	mu        sync.Mutex
	started   []transfer.Request
	listeners []transfer.Listener
}

func (f *fakeTransferer) Start(_ context.Context, req transfer.Request, l transfer.Listener) (transfer.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	f.listeners = append(f.listeners, l)
	return fakeHandle{}, nil
}

func (f *fakeTransferer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeTransferer) lastListener() transfer.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[len(f.listeners)-1]
}

type fakeCookies struct{ resets int32 }

func (f *fakeCookies) ResetCookies() { atomic.AddInt32(&f.resets, 1) }

type testServer struct {
	server     *Server
	store      *storage.SQLiteStore
	session    *session.Session
	transferer *fakeTransferer
	cookies    *fakeCookies
	classifier *session.PatternClassifier
	location   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()

	store, err := storage.NewSQLiteStore(&storage.SQLiteConfig{Path: storage.MemoryPath})
	require.NoError(t, err)
	require.NoError(t, store.MigrateDatabase(context.Background(), nil))

	creds := credentials.NewManager(store, log)
	hub := NewHub(log)
	transferer := &fakeTransferer{}
	classifier := session.NewPatternClassifier([]string{"urs.example.com/oauth"}, nil)

	sess, err := session.New(session.Deps{
		Store:      store,
		Registry:   registry.New(log),
		Transferer: transferer,
		Classifier: classifier,
		Notifier:   NewNotifier(hub),
		Tokens:     creds,
		Logger:     log,
	}, session.Config{ProgressWriteInterval: time.Millisecond, ResumeOnStartup: true})
	require.NoError(t, err)

	cookies := &fakeCookies{}
	location := t.TempDir()
	srv, err := NewServer(Deps{
		Hub:         hub,
		Session:     sess,
		Credentials: creds,
		Cookies:     cookies,
		Links:       links.NewClient(links.Config{UserAgent: "edd-test"}, log),
		Classifier:  classifier,
		Logger:      log,
	}, Config{ProgressInterval: time.Second, DefaultLocation: location})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
		cancel()
		store.Close()
	})

	return &testServer{
		server:     srv,
		store:      store,
		session:    sess,
		transferer: transferer,
		cookies:    cookies,
		classifier: classifier,
		location:   location,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func (ts *testServer) downloadState(t *testing.T, id string) storage.DownloadState {
	t.Helper()
	d, err := ts.store.GetDownloadByID(context.Background(), id)
	require.NoError(t, err)
	return d.State
}

func TestServer_BeginDownloadWithLinks(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id": "D1",
		"links": []string{
			"https://data.example.com/a.nc",
			"https://data.example.com/b.nc",
			"http://data.example.com/c.nc",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp beginDownloadResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 2, resp.Links.Added)
	assert.Equal(t, 1, resp.Links.Invalid)
	assert.Equal(t, storage.DownloadActive, resp.Download.State)
	assert.Equal(t, ts.location, resp.Download.DownloadLocation, "default location applies")
	assert.False(t, resp.Download.LoadingMoreFiles)
	assert.Equal(t, 2, ts.transferer.startCount())

	t.Run("duplicate id", func(t *testing.T) {
		w, env := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
			"id":    "D1",
			"links": []string{"https://data.example.com/z.nc"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		var resp beginDownloadResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.True(t, resp.AlreadyInProgress)
		assert.Equal(t, 2, ts.transferer.startCount())
	})

	t.Run("nothing to download", func(t *testing.T) {
		w, env := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{"id": "D2"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
	})

	t.Run("listing", func(t *testing.T) {
		w, env := ts.do(t, http.MethodGet, "/api/downloads?active=true&limit=10", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var report struct {
			Downloads []struct {
				DownloadID string `json:"downloadId"`
				TotalFiles int    `json:"totalFiles"`
			} `json:"downloads"`
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &report))
		require.Len(t, report.Downloads, 1)
		assert.Equal(t, "D1", report.Downloads[0].DownloadID)
		assert.Equal(t, 2, report.Downloads[0].TotalFiles)

		w, _ = ts.do(t, http.MethodGet, "/api/downloads?limit=0", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("files", func(t *testing.T) {
		w := httptest.NewRecorder()
		ts.server.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/downloads/D1/files?limit=1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var page struct {
			Data  []storage.File `json:"data"`
			Total int64          `json:"total"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Data, 1)
		assert.Equal(t, int64(2), page.Total)

		w, _ = ts.do(t, http.MethodGet, "/api/downloads/missing/files", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestServer_Commands(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":    "D1",
		"links": []string{"https://data.example.com/a.nc"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.DownloadPaused, ts.downloadState(t, "D1"))

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/resume", map[string]string{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.DownloadActive, ts.downloadState(t, "D1"))

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.DownloadCancelled, ts.downloadState(t, "D1"))

	// cancel twice is a no-op
	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := ts.do(t, http.MethodPost, "/api/downloads/D1/restart", map[string]string{"restartId": "r1"})
	require.Equal(t, http.StatusOK, w.Code)
	var d storage.Download
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Equal(t, storage.DownloadActive, d.State)

	w, env = ts.do(t, http.MethodPost, "/api/downloads/missing/restart", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/pause", map[string]string{"filename": "a.nc"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/pause", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_HistoryAndDelete(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"D1", "D2"} {
		w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
			"id":    id,
			"links": []string{"https://data.example.com/" + id + ".nc"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, env := ts.do(t, http.MethodPost, "/api/history/clear", map[string]string{"downloadId": "D1"})
	require.Equal(t, http.StatusOK, w.Code)
	var cleared struct {
		ClearID string `json:"clearId"`
		Cleared int64  `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cleared))
	assert.Equal(t, int64(1), cleared.Cleared)
	assert.NotEmpty(t, cleared.ClearID)

	w, _ = ts.do(t, http.MethodPost, "/api/history/undo", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = ts.do(t, http.MethodPost, "/api/history/undo", map[string]string{"clearId": cleared.ClearID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"restored":1}`, string(env.Data))

	w, _ = ts.do(t, http.MethodDelete, "/api/downloads/D1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err := ts.store.GetDownloadByID(context.Background(), "D1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	w, _ = ts.do(t, http.MethodDelete, "/api/downloads", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	n, err := ts.store.CountDownloads(context.Background(), storage.DownloadFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestServer_Preferences(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodGet, "/api/preferences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var prefs storage.Preferences
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	assert.Equal(t, 5, prefs.ConcurrentDownloads)

	w, _ = ts.do(t, http.MethodPut, "/api/preferences", map[string]interface{}{"concurrentDownloads": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPut, "/api/preferences", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = ts.do(t, http.MethodPut, "/api/preferences", map[string]interface{}{
		"concurrentDownloads":     2,
		"defaultDownloadLocation": "/data/earth",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	assert.Equal(t, 2, prefs.ConcurrentDownloads)
	assert.Equal(t, "/data/earth", prefs.DefaultDownloadLocation)
}

func TestServer_Token(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodGet, "/api/token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"signedIn":false}`, string(env.Data))

	w, _ = ts.do(t, http.MethodPut, "/api/token", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPut, "/api/token", map[string]string{"token": "abc"})
	require.Equal(t, http.StatusOK, w.Code)
	_, env = ts.do(t, http.MethodGet, "/api/token", nil)
	assert.JSONEq(t, `{"signedIn":true}`, string(env.Data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.cookies.resets))

	w, _ = ts.do(t, http.MethodDelete, "/api/token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&ts.cookies.resets))
}

func linkServer(t *testing.T, pages map[string]links.Page, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		page, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServer_LinkDiscovery(t *testing.T) {
	ts := newTestServer(t)
	srv := linkServer(t, map[string]links.Page{
		"":   {Cursor: "p2", Links: []string{"https://data.example.com/a.nc"}},
		"p2": {Done: true, Links: []string{"https://data.example.com/b.nc"}},
	}, nil)

	w, env := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":          "D1",
		"getLinksUrl": srv.URL,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp beginDownloadResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Discovering)

	require.Eventually(t, func() bool {
		d, err := ts.store.GetDownloadByID(context.Background(), "D1")
		return err == nil && !d.LoadingMoreFiles
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, ts.transferer.startCount())
}

func TestServer_LinkDiscoveryFailureAndRestart(t *testing.T) {
	ts := newTestServer(t)
	var fail atomic.Bool
	fail.Store(true)
	srv := linkServer(t, map[string]links.Page{
		"": {Done: true, Links: []string{"https://data.example.com/a.nc"}},
	}, &fail)

	w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":          "D1",
		"getLinksUrl": srv.URL,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return ts.downloadState(t, "D1") == storage.DownloadErrorFetchingLinks
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !ts.server.discovery.isRunning("D1") }, time.Second, 5*time.Millisecond)

	fail.Store(false)
	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/restart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return ts.transferer.startCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ResumeDiscovery(t *testing.T) {
	ts := newTestServer(t)
	srv := linkServer(t, map[string]links.Page{
		"": {Done: true, Links: []string{"https://data.example.com/a.nc"}},
	}, nil)

	// a download left loading by a previous run
	_, created, err := ts.session.InitializeDownload(context.Background(), session.InitRequest{
		ID:               "D1",
		DownloadLocation: ts.location,
		GetLinksURL:      srv.URL,
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, ts.server.ResumeDiscovery(context.Background()))
	require.Eventually(t, func() bool { return ts.transferer.startCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_TransferEventsFlowThroughGateway(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":    "D1",
		"links": []string{"https://data.example.com/a.nc"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	l := ts.transferer.lastListener()
	_, ok := l.(*transferListener)
	require.True(t, ok, "gateway installs its listener on the session")

	assert.True(t, l.OnRedirect("D1", "a.nc", "https://urs.example.com/oauth/authorize?client=1"))
	assert.Equal(t, storage.DownloadWaitingForAuth, ts.downloadState(t, "D1"))
	assert.Equal(t, []string{"D1"}, ts.session.WaitingForAuth())

	w, _ = ts.do(t, http.MethodPost, "/api/downloads/D1/auth", map[string]string{"token": "tok"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.DownloadActive, ts.downloadState(t, "D1"))

	l = ts.transferer.lastListener()
	l.OnCompleted("D1", "a.nc", transfer.Progress{ReceivedBytes: 10, TotalBytes: 10})
	assert.Equal(t, storage.DownloadCompleted, ts.downloadState(t, "D1"))
}

func TestTransferListener_SkipsDiscardedEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":    "D1",
		"links": []string{"https://data.example.com/a.nc", "https://data.example.com/b.nc"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, ts.session.CancelDownloadItem(ctx, "D1", "a.nc"))

	// an idle hub keeps emitted events queued where the test can count them
	hub := NewHub(logger.Discard())
	l := &transferListener{ctx: ctx, session: ts.session, hub: hub, log: logger.Discard()}

	l.OnCompleted("D1", "a.nc", transfer.Progress{ReceivedBytes: 10, TotalBytes: 10})
	l.OnFailed("D1", "a.nc", errors.New("reset"))
	assert.Len(t, hub.broadcast, 0)

	l.OnCompleted("D1", "b.nc", transfer.Progress{ReceivedBytes: 10, TotalBytes: 10})
	require.Len(t, hub.broadcast, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(<-hub.broadcast, &ev))
	assert.Equal(t, EventFileCompleted, ev.Type)
}

func TestServer_WebsocketEvents(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.server.Engine())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.server.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	w, _ := ts.do(t, http.MethodPost, "/api/downloads", map[string]interface{}{
		"id":    "D1",
		"links": []string{"https://data.example.com/a.nc"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	ts.server.reporter.tick()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Type != EventProgressReport {
			continue
		}
		data, err := json.Marshal(ev.Data)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"downloadId":"D1"`)
		break
	}
}

func TestServer_InfoAndConfig(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodGet, "/api/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	require.IsType(t, map[string]interface{}{}, info["version"])
	assert.Equal(t, version.Version, info["version"].(map[string]interface{})["version"])
	assert.Contains(t, info, "disk")
	assert.Equal(t, false, info["signedIn"])

	cfg := config.DefaultConfig()
	cfg.Download.EulaURLPatterns = []string{"eula.example.com"}
	cfg.Download.DefaultLocation = "/elsewhere"
	ts.server.ApplyConfig(cfg)
	assert.Equal(t, session.InterceptEula, ts.classifier.Classify("https://eula.example.com/accept"))
	assert.Equal(t, "/elsewhere", ts.server.defaultLocation())
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	got := ConfigFrom(cfg)
	assert.Equal(t, cfg.Server.Port, got.Port)
	assert.Equal(t, time.Duration(cfg.Download.ProgressInterval)*time.Millisecond, got.ProgressInterval)
	assert.Equal(t, time.Duration(cfg.Server.ReadTimeout)*time.Second, got.ReadTimeout)
	assert.Equal(t, cfg.Download.DefaultLocation, got.DefaultLocation)
}
