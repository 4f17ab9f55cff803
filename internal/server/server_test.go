package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/logging"
)

type fakeStore struct {
	mu        sync.Mutex
	snap      catalog.Snapshot
	fetchErr  error
	busy      bool
	installed []catalog.Package
	state     appstore.State
}

func (f *fakeStore) Refresh(context.Context) (catalog.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.fetchErr
}

func (f *fakeStore) InstallPackage(_ context.Context, pkg catalog.Package, onResult func(appstore.Report)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		onResult(appstore.Report{Package: pkg, Result: appstore.ResultFailure, Reason: "busy"})
		return appstore.ErrBusy
	}
	f.busy = true
	f.state = appstore.StateDownloading
	f.installed = append(f.installed, pkg)
	return nil
}

func (f *fakeStore) State() appstore.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStore) Current() (catalog.Package, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.installed) == 0 || !f.busy {
		return catalog.Package{}, false
	}
	return f.installed[len(f.installed)-1], true
}

var testSnapshot = catalog.Snapshot{Packages: []catalog.Package{
	{Name: "Foo", Version: "1.0", ObjectName: "foo.apk", DownloadURL: "https://x/foo.apk"},
	{Name: "Bar", Version: "2.1", ObjectName: "bar.apk", DownloadURL: "https://x/bar.apk"},
}}

func newTestServer(t *testing.T, store *fakeStore) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Store: store, Lines: logging.NewBroadcaster(), Version: "test"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return s, ts
}

func postInstall(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/install", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "test", body["version"])
}

func TestCatalog(t *testing.T) {
	_, ts := newTestServer(t, &fakeStore{snap: testSnapshot})
	resp, err := http.Get(ts.URL + "/api/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body catalogResponse
	decode(t, resp, &body)
	assert.Equal(t, testSnapshot.Packages, body.Packages)
}

func TestCatalogFetchError(t *testing.T) {
	_, ts := newTestServer(t, &fakeStore{fetchErr: fmt.Errorf("%w: status 500", catalog.ErrFetch)})
	resp, err := http.Get(ts.URL + "/api/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "CATALOG_UNAVAILABLE", body.Error.Code)
}

func TestInstallAcceptedThenBusy(t *testing.T) {
	store := &fakeStore{snap: testSnapshot}
	_, ts := newTestServer(t, store)

	resp := postInstall(t, ts, `{"objectName":"bar.apk"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body installResponse
	decode(t, resp, &body)
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, "Bar", body.Package.Name)

	resp = postInstall(t, ts, `{"name":"foo"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	store.mu.Lock()
	assert.Len(t, store.installed, 1)
	store.mu.Unlock()
}

// lockedWriter collects log output written from handler goroutines.
type lockedWriter struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestInstallLogsCarryRequestID(t *testing.T) {
	logs := &lockedWriter{}
	logging.Init("json", "info", logs)
	t.Cleanup(func() { logging.Init("text", "info", nil) })

	_, ts := newTestServer(t, &fakeStore{snap: testSnapshot})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/install", strings.NewReader(`{"objectName":"foo.apk"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))

	var accepted map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == "install accepted" {
			accepted = rec
		}
	}
	require.NotNil(t, accepted, "no install accepted record in %q", logs.String())
	assert.Equal(t, "req-abc", accepted[logging.KeyRequestID])
	assert.Equal(t, "foo.apk", accepted[logging.KeyPackage])
	assert.Equal(t, "server", accepted[logging.KeyComponent])
}

func TestInstallBadRequests(t *testing.T) {
	_, ts := newTestServer(t, &fakeStore{snap: testSnapshot})

	assert.Equal(t, http.StatusBadRequest, postInstall(t, ts, `not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postInstall(t, ts, `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, postInstall(t, ts, `{"objectName":"nope.apk"}`).StatusCode)
}

func TestStatus(t *testing.T) {
	store := &fakeStore{snap: testSnapshot}
	_, ts := newTestServer(t, store)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	var idle map[string]any
	decode(t, resp, &idle)
	resp.Body.Close()
	assert.Equal(t, "idle", idle["state"])
	assert.NotContains(t, idle, "package")

	postInstall(t, ts, `{"objectName":"foo.apk"}`)

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var busy struct {
		State   string          `json:"state"`
		Package catalog.Package `json:"package"`
	}
	decode(t, resp, &busy)
	assert.Equal(t, "downloading", busy.State)
	assert.Equal(t, "foo.apk", busy.Package.ObjectName)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/install")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventsStreamLinesAndReports(t *testing.T) {
	s, ts := newTestServer(t, &fakeStore{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.cfg.Lines.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.cfg.Lines.Log("AppStore", "Downloading Foo 1.0")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "log", ev.Type)
	require.NotNil(t, ev.Line)
	assert.Equal(t, "AppStore", ev.Line.Tag)
	assert.Equal(t, "Downloading Foo 1.0", ev.Line.Message)

	s.publishReport(appstore.Report{RequestID: "r-1", Result: appstore.ResultSuccess})
	ev = event{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "report", ev.Type)
	require.NotNil(t, ev.Report)
	assert.Equal(t, "r-1", ev.Report.RequestID)
	assert.True(t, ev.Report.Succeeded())

	conn.Close()
	require.Eventually(t, func() bool { return s.cfg.Lines.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}
