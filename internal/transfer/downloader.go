package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/luddite-os/installer/internal/logging"
	"github.com/luddite-os/installer/internal/source"
	"github.com/luddite-os/installer/internal/workerpool"
)

// DownloaderConfig configures the local download subsystem.
type DownloaderConfig struct {
	Dir          string
	MinFreeBytes uint64
	Registry     *source.Registry
	Pool         *workerpool.Pool
}

type job struct {
	report StatusReport
	cancel context.CancelFunc
	ctx    context.Context
}

// Downloader is the local Subsystem: it runs fetches on a worker pool,
// writes artifacts into Dir and publishes a Completion for every download
// that finishes, successful or not.
type Downloader struct {
	cfg DownloaderConfig
	bus *Bus

	mu     sync.Mutex
	nextID ID
	jobs   map[ID]*job

	diskUsage func(path string) (*disk.UsageStat, error)
}

// NewDownloader creates a downloader. cfg.Registry and cfg.Pool are
// required.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	return &Downloader{
		cfg:       cfg,
		bus:       NewBus(),
		jobs:      make(map[ID]*job),
		diskUsage: disk.Usage,
	}
}

// Completions returns the bus finished downloads are announced on.
func (d *Downloader) Completions() *Bus {
	return d.bus
}

// Enqueue validates req, assigns an ID and queues the fetch.
func (d *Downloader) Enqueue(ctx context.Context, req Request) (ID, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	src, err := url.Parse(req.SourceURL)
	if err != nil {
		return 0, fmt.Errorf("invalid source url: %w", err)
	}
	if _, err := d.cfg.Registry.Lookup(src); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	jctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.jobs[id] = &job{
		report: StatusReport{ID: id, Status: StatusPending, BytesTotal: -1, Request: req},
		cancel: cancel,
		ctx:    jctx,
	}
	d.mu.Unlock()

	if err := d.cfg.Pool.Submit(func(poolCtx context.Context) { d.run(poolCtx, id) }); err != nil {
		d.mu.Lock()
		delete(d.jobs, id)
		d.mu.Unlock()
		cancel()
		return 0, fmt.Errorf("queue download: %w", err)
	}

	log.Info("download enqueued",
		logging.KeyTransferID, id,
		"url", src.Redacted(),
		"file", req.FileName,
		"title", req.Title,
		"visibility", req.Visibility,
		"allowMetered", req.AllowMetered,
		"allowRoaming", req.AllowRoaming,
	)
	return id, nil
}

// Query returns a snapshot of the download's status.
func (d *Downloader) Query(id ID) (StatusReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return j.report, nil
}

// Remove forgets a download. An in-flight fetch is cancelled and its
// partial file deleted; a finished artifact is left in place. No
// completion is published for a removed download.
func (d *Downloader) Remove(id ID) error {
	d.mu.Lock()
	j, ok := d.jobs[id]
	if ok {
		delete(d.jobs, id)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}

	j.cancel()
	log.Debug("download removed", logging.KeyTransferID, id)
	return nil
}

func (d *Downloader) run(poolCtx context.Context, id ID) {
	d.mu.Lock()
	j, ok := d.jobs[id]
	var req Request
	if ok {
		j.report.Status = StatusRunning
		req = j.report.Request
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	stop := context.AfterFunc(poolCtx, j.cancel)
	defer stop()
	defer j.cancel()

	path, err := d.safeFetch(j.ctx, id, req)

	d.mu.Lock()
	if _, live := d.jobs[id]; !live {
		d.mu.Unlock()
		if path != "" {
			log.Debug("removed download finished anyway", logging.KeyTransferID, id, "path", path)
		}
		return
	}
	if err != nil {
		j.report.Status = StatusFailed
		j.report.Reason = err.Error()
	} else {
		j.report.Status = StatusSuccessful
		j.report.LocalPath = path
	}
	d.mu.Unlock()

	if err != nil {
		log.Warn("download failed", logging.KeyTransferID, id, logging.KeyError, err)
	} else {
		log.Info("download finished", logging.KeyTransferID, id, "path", path)
	}
	d.bus.Publish(Completion{ID: id})
}

// safeFetch turns a fetcher panic into a failed download so the
// completion is still published.
func (d *Downloader) safeFetch(ctx context.Context, id ID, req Request) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("download panicked", logging.KeyTransferID, id, "panic", r, "stack", string(debug.Stack()))
			path, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return d.fetch(ctx, id, req)
}

func (d *Downloader) fetch(ctx context.Context, id ID, req Request) (string, error) {
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	if err := d.preflight(); err != nil {
		return "", err
	}

	finalPath, err := ArtifactPath(d.cfg.Dir, req.FileName)
	if err != nil {
		return "", err
	}
	src, err := url.Parse(req.SourceURL)
	if err != nil {
		return "", err
	}
	fetcher, err := d.cfg.Registry.Lookup(src)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(d.cfg.Dir, "."+req.FileName+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := fetcher.Fetch(ctx, src, tmp, func(done, total int64) {
		d.mu.Lock()
		if j, ok := d.jobs[id]; ok {
			j.report.BytesDone = done
			j.report.BytesTotal = total
		}
		d.mu.Unlock()
	})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = errors.New("empty artifact")
	}
	if err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("move artifact into place: %w", err)
	}
	committed = true
	return finalPath, nil
}

func (d *Downloader) preflight() error {
	if d.cfg.MinFreeBytes == 0 {
		return nil
	}
	usage, err := d.diskUsage(filepath.Clean(d.cfg.Dir))
	if err != nil {
		log.Warn("disk usage check failed, continuing", logging.KeyError, err)
		return nil
	}
	if usage.Free < d.cfg.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, usage.Free, d.cfg.MinFreeBytes)
	}
	return nil
}
