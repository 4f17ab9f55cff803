package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("transfer")

// completionBuffer sizes each tracker subscription. Completions for other
// IDs are drained as fast as they arrive, so this only absorbs bursts.
const completionBuffer = 32

const reasonNoSuccessStatus = "download finished without success status"

// Outcome is the terminal result of a tracked transfer: either Succeeded
// with the artifact Path, or failed with a Reason and an Err wrapping
// ErrDownloadFailed or ErrCanceled.
type Outcome struct {
	Path   string
	Reason string
	Err    error
}

// Succeeded builds a successful outcome.
func Succeeded(path string) Outcome {
	return Outcome{Path: path}
}

// Failed builds a failed outcome. A nil cause becomes ErrDownloadFailed.
func Failed(reason string, cause error) Outcome {
	if cause == nil {
		cause = ErrDownloadFailed
	}
	return Outcome{Reason: reason, Err: cause}
}

// Succeeded reports whether the transfer produced an artifact.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

func (o Outcome) String() string {
	if o.Succeeded() {
		return "succeeded: " + o.Path
	}
	return "failed: " + o.Reason
}

// Handle is one live tracked transfer. It resolves exactly once.
type Handle struct {
	id        ID
	fileName  string
	sourceURL string
	path      string
	startedAt time.Time

	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func (h *Handle) ID() ID               { return h.id }
func (h *Handle) FileName() string     { return h.fileName }
func (h *Handle) SourceURL() string    { return h.sourceURL }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Path is where the artifact will be once the transfer succeeds.
func (h *Handle) Path() string { return h.path }

// Done is closed when the outcome is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the resolved outcome, or false while still pending.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Cancel abandons the transfer. The handle resolves with ErrCanceled
// unless it already resolved.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the handle resolves or ctx ends. A ctx error leaves the
// transfer running; use Cancel to stop it.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (h *Handle) resolve(sub *Subscription, o Outcome) {
	sub.Close()
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
	})
}

// Tracker starts downloads on a Subsystem and watches the completion bus
// for the matching ID.
type Tracker struct {
	subsystem Subsystem
	dir       string
	timeout   time.Duration
}

// NewTracker creates a tracker whose artifacts land in dir. A timeout of
// zero or less disables the download timeout.
func NewTracker(subsystem Subsystem, dir string, timeout time.Duration) *Tracker {
	return &Tracker{subsystem: subsystem, dir: dir, timeout: timeout}
}

// Start enqueues req and returns a handle that resolves once the
// subsystem announces completion for the assigned ID, the timeout elapses,
// or ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, req Request) (*Handle, error) {
	path, err := ArtifactPath(t.dir, req.FileName)
	if err != nil {
		return nil, err
	}

	// Subscribe first so a completion published right after Enqueue is
	// not missed.
	sub := t.subsystem.Completions().Subscribe(completionBuffer)

	id, err := t.subsystem.Enqueue(ctx, req)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: enqueue: %w", ErrDownloadFailed, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:        id,
		fileName:  req.FileName,
		sourceURL: req.SourceURL,
		path:      path,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	log.Info("tracking download", logging.KeyTransferID, id, "file", req.FileName)
	go t.watch(wctx, h, sub)
	return h, nil
}

func (t *Tracker) watch(ctx context.Context, h *Handle, sub *Subscription) {
	defer h.cancel()

	var timeout <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	// The download may have finished before this goroutine ran.
	if report, err := t.subsystem.Query(h.id); err == nil && report.Status.IsFinished() {
		o := t.settle(h, report, nil)
		t.forget(h)
		t.finish(h, sub, o)
		return
	}

	for {
		select {
		case c, ok := <-sub.C():
			if !ok {
				t.finish(h, sub, Failed("completion subscription closed", ErrDownloadFailed))
				return
			}
			if c.ID != h.id {
				log.Debug("ignoring completion for another transfer", logging.KeyTransferID, h.id, "otherId", c.ID)
				continue
			}
			report, err := t.subsystem.Query(h.id)
			o := t.settle(h, report, err)
			t.forget(h)
			t.finish(h, sub, o)
			return

		case <-timeout:
			t.forget(h)
			t.finish(h, sub, Failed("download timed out", ErrTimeout))
			return

		case <-ctx.Done():
			t.forget(h)
			t.finish(h, sub, Failed("download canceled", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))))
			return
		}
	}
}

// settle turns the status seen after a matching completion into an outcome.
// Only an explicit success status counts as success.
func (t *Tracker) settle(h *Handle, report StatusReport, err error) Outcome {
	if err != nil {
		return Failed(reasonNoSuccessStatus, fmt.Errorf("%w: status query: %w", ErrDownloadFailed, err))
	}
	switch report.Status {
	case StatusSuccessful:
		return Succeeded(h.path)
	case StatusFailed:
		if report.Reason != "" {
			return Failed("download failed", fmt.Errorf("%w: %s", ErrDownloadFailed, report.Reason))
		}
		return Failed("download failed", ErrDownloadFailed)
	default:
		return Failed(reasonNoSuccessStatus, fmt.Errorf("%w: status %s", ErrDownloadFailed, report.Status))
	}
}

// forget drops the subsystem's record once the handle no longer needs it.
// A running download is cancelled; a finished artifact stays on disk.
func (t *Tracker) forget(h *Handle) {
	if err := t.subsystem.Remove(h.id); err != nil && !errors.Is(err, ErrUnknownID) {
		log.Warn("failed to remove download record", logging.KeyTransferID, h.id, logging.KeyError, err)
	}
}

func (t *Tracker) finish(h *Handle, sub *Subscription, o Outcome) {
	h.resolve(sub, o)
	elapsed := time.Since(h.startedAt).Milliseconds()
	if o.Succeeded() {
		log.Info("download resolved", logging.KeyTransferID, h.id, "path", o.Path, logging.KeyDurationMs, elapsed)
		return
	}
	log.Warn("download resolved with failure", logging.KeyTransferID, h.id,
		"reason", o.Reason, logging.KeyError, o.Err, logging.KeyDurationMs, elapsed)
}
