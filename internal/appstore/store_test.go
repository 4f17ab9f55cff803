package appstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/install"
	"github.com/luddite-os/installer/internal/transfer"
)

type fakeSubsystem struct {
	bus *transfer.Bus

	mu       sync.Mutex
	nextID   transfer.ID
	reports  map[transfer.ID]transfer.StatusReport
	requests []transfer.Request
}

func newFakeSubsystem(firstID transfer.ID) *fakeSubsystem {
	return &fakeSubsystem{
		bus:     transfer.NewBus(),
		nextID:  firstID,
		reports: make(map[transfer.ID]transfer.StatusReport),
	}
}

func (f *fakeSubsystem) Enqueue(ctx context.Context, req transfer.Request) (transfer.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.reports[id] = transfer.StatusReport{ID: id, Status: transfer.StatusRunning, Request: req}
	f.requests = append(f.requests, req)
	return id, nil
}

func (f *fakeSubsystem) Query(id transfer.ID) (transfer.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return transfer.StatusReport{}, transfer.ErrUnknownID
	}
	return r, nil
}

func (f *fakeSubsystem) Remove(id transfer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reports, id)
	return nil
}

func (f *fakeSubsystem) Completions() *transfer.Bus { return f.bus }

func (f *fakeSubsystem) enqueued() []transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Request(nil), f.requests...)
}

func (f *fakeSubsystem) finish(id transfer.ID, status transfer.Status) {
	f.mu.Lock()
	r := f.reports[id]
	r.Status = status
	f.reports[id] = r
	f.mu.Unlock()
	f.bus.Publish(transfer.Completion{ID: id})
}

type fakeInstaller struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (i *fakeInstaller) Install(_ context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths = append(i.paths, path)
	return i.err
}

func (i *fakeInstaller) calls() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.paths...)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Log(tag, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, tag+": "+message)
}

func (s *recordingSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

type fakeCatalog struct {
	snap catalog.Snapshot
	err  error
}

func (c fakeCatalog) Fetch(context.Context) (catalog.Snapshot, error) { return c.snap, c.err }

type harness struct {
	store     *Store
	sub       *fakeSubsystem
	installer *fakeInstaller
	sink      *recordingSink
	dir       string
}

func newHarness(t *testing.T, firstID transfer.ID, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		sub:       newFakeSubsystem(firstID),
		installer: &fakeInstaller{},
		sink:      &recordingSink{},
		dir:       t.TempDir(),
	}
	h.store = New(Config{
		Catalog:      fakeCatalog{snap: catalog.Snapshot{Packages: []catalog.Package{fooPkg}}},
		Tracker:      transfer.NewTracker(h.sub, h.dir, timeout),
		Installer:    h.installer,
		Sink:         h.sink,
		AllowMetered: true,
		AllowRoaming: true,
	})
	return h
}

var fooPkg = catalog.Package{Name: "Foo", Version: "1.0", ObjectName: "foo.apk", DownloadURL: "https://x/foo.apk"}

// collector counts callback deliveries.
type collector struct {
	mu      sync.Mutex
	reports []Report
	ch      chan Report
}

func newCollector() *collector {
	return &collector{ch: make(chan Report, 8)}
}

func (c *collector) onResult(r Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
	c.ch <- r
}

func (c *collector) wait(t *testing.T) Report {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no report delivered")
		return Report{}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func waitEnqueued(t *testing.T, sub *fakeSubsystem, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(sub.enqueued()) == n }, 5*time.Second, 5*time.Millisecond)
}

func TestInstallIgnoresUnrelatedCompletion(t *testing.T) {
	h := newHarness(t, 42, time.Minute)
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)

	h.sub.bus.Publish(transfer.Completion{ID: 7})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	assert.Equal(t, StateDownloading, h.store.State())

	h.sub.finish(42, transfer.StatusSuccessful)
	rep := c.wait(t)

	assert.Equal(t, ResultSuccess, rep.Result)
	assert.Equal(t, filepath.Join(h.dir, "foo.apk"), rep.ArtifactPath)
	assert.Equal(t, []string{filepath.Join(h.dir, "foo.apk")}, h.installer.calls())
	assert.NotEmpty(t, rep.RequestID)
	assert.Equal(t, StateIdle, h.store.State())
	assert.Equal(t, 0, h.sub.bus.Subscribers())
}

func TestInstallDownloadFailureSkipsInstaller(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)
	h.sub.finish(1, transfer.StatusFailed)

	rep := c.wait(t)
	assert.Equal(t, ResultFailure, rep.Result)
	assert.Equal(t, "download failed", rep.Reason)
	assert.Empty(t, h.installer.calls())
	assert.Contains(t, h.sink.joined(), "AppStore: Failed to install Foo: download failed")
}

func TestInstallRejectsWhileBusy(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	first := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, first.onResult))
	waitEnqueued(t, h.sub, 1)

	second := newCollector()
	err := h.store.InstallPackage(context.Background(), fooPkg, second.onResult)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, 1, second.count(), "busy rejection is delivered synchronously")
	busy := second.wait(t)
	assert.Equal(t, ResultFailure, busy.Result)
	assert.Equal(t, "busy", busy.Reason)

	// The rejected call never reached the download subsystem.
	assert.Len(t, h.sub.enqueued(), 1)

	h.sub.finish(1, transfer.StatusSuccessful)
	assert.Equal(t, ResultSuccess, first.wait(t).Result)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestInstallAcceptsNextRequestFromCallback(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	c := newCollector()
	next := make(chan error, 1)

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, func(r Report) {
		c.onResult(r)
		next <- h.store.InstallPackage(context.Background(), fooPkg, c.onResult)
	}))
	waitEnqueued(t, h.sub, 1)
	h.sub.finish(1, transfer.StatusSuccessful)

	c.wait(t)
	require.NoError(t, <-next)
	waitEnqueued(t, h.sub, 2)
	h.sub.finish(2, transfer.StatusFailed)
	assert.Equal(t, ResultFailure, c.wait(t).Result)
}

func TestInstallInvalidArtifactIsFailure(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	h.installer.err = fmt.Errorf("%w: missing", install.ErrInstallLaunch)
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)
	h.sub.finish(1, transfer.StatusSuccessful)

	rep := c.wait(t)
	assert.Equal(t, ResultFailure, rep.Result)
	assert.Contains(t, rep.Reason, "missing")
	assert.Empty(t, rep.LaunchWarning)
}

func TestInstallLauncherErrorIsSuccessWithWarning(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	h.installer.err = fmt.Errorf("%w: exit status 1", install.ErrLaunch)
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)
	h.sub.finish(1, transfer.StatusSuccessful)

	rep := c.wait(t)
	assert.Equal(t, ResultSuccess, rep.Result)
	assert.Contains(t, rep.LaunchWarning, "exit status 1")
}

func TestInstallCancelDeliversNoCallback(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.store.InstallPackage(ctx, fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)
	cancel()

	require.Eventually(t, func() bool { return h.store.State() == StateIdle }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.sub.bus.Subscribers())

	// A late completion for the abandoned download is ignored.
	h.sub.finish(1, transfer.StatusSuccessful)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	assert.Empty(t, h.installer.calls())
}

func TestInstallTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, 1, 30*time.Millisecond)
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	rep := c.wait(t)
	assert.Equal(t, ResultFailure, rep.Result)
	assert.Equal(t, "download timed out", rep.Reason)
	assert.Equal(t, 0, h.sub.bus.Subscribers())
}

func TestInstallUsesBucketURL(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	h.store.cfg.BucketURL = "s3://apks/releases"
	c := newCollector()

	require.NoError(t, h.store.InstallPackage(context.Background(), fooPkg, c.onResult))
	waitEnqueued(t, h.sub, 1)

	req := h.sub.enqueued()[0]
	assert.Equal(t, "s3://apks/releases/foo.apk", req.SourceURL)
	assert.Equal(t, "foo.apk", req.FileName)
	assert.Equal(t, transfer.VisibilityVisible, req.Visibility)
	assert.True(t, req.AllowMetered)

	h.sub.finish(1, transfer.StatusSuccessful)
	c.wait(t)
}

func TestInstallBlocking(t *testing.T) {
	h := newHarness(t, 1, time.Minute)

	go func() {
		for len(h.sub.enqueued()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		h.sub.finish(1, transfer.StatusSuccessful)
	}()

	rep, err := h.store.Install(context.Background(), fooPkg)
	require.NoError(t, err)
	assert.True(t, rep.Succeeded())
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	snap, err := h.store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Contains(t, h.sink.joined(), "AppStore: Fetched 1 apps")

	h.store.cfg.Catalog = fakeCatalog{err: fmt.Errorf("%w: status 500", catalog.ErrFetch)}
	_, err = h.store.Refresh(context.Background())
	assert.True(t, errors.Is(err, catalog.ErrFetch))
	assert.Contains(t, h.sink.joined(), "Failed to fetch apps")
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "download_failed", StateDownloadFailed.String())
	b, err := StateInstallLaunched.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "install_launched", string(b))
}
