// Package appstore orchestrates catalog browsing and download-then-install
// requests. A Store accepts one install at a time and reports every
// accepted request exactly once.
package appstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/install"
	"github.com/luddite-os/installer/internal/logging"
	"github.com/luddite-os/installer/internal/source"
	"github.com/luddite-os/installer/internal/transfer"
)

var log = logging.L("appstore")

// Tag is the log sink tag for store messages.
const Tag = "AppStore"

// ErrBusy is returned when an install is requested while another is pending.
var ErrBusy = errors.New("another install is in progress")

// Catalog fetches the package list.
type Catalog interface {
	Fetch(ctx context.Context) (catalog.Snapshot, error)
}

// Tracker starts tracked downloads.
type Tracker interface {
	Start(ctx context.Context, req transfer.Request) (*transfer.Handle, error)
}

// Installer launches the install of a downloaded artifact.
type Installer interface {
	Install(ctx context.Context, path string) error
}

// Config wires a Store to its collaborators.
type Config struct {
	Catalog   Catalog
	Tracker   Tracker
	Installer Installer
	Sink      logging.Sink

	// BucketURL, when set, is joined with a package's object name to form
	// the download source instead of its downloadUrl.
	BucketURL    string
	Visibility   transfer.Visibility
	AllowMetered bool
	AllowRoaming bool
}

// Store is the download-and-install orchestrator.
type Store struct {
	cfg  Config
	sink logging.Sink

	mu      sync.Mutex
	state   State
	busy    bool
	current catalog.Package
}

// New creates a store. A nil Sink discards messages.
func New(cfg Config) *Store {
	sink := cfg.Sink
	if sink == nil {
		sink = logging.Discard
	}
	if cfg.Visibility == "" {
		cfg.Visibility = transfer.VisibilityVisible
	}
	return &Store{cfg: cfg, sink: sink, state: StateIdle}
}

// State returns the state of the current request, or StateIdle.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the package being installed, if any.
func (s *Store) Current() (catalog.Package, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.busy
}

// Refresh fetches a fresh catalog snapshot.
func (s *Store) Refresh(ctx context.Context) (catalog.Snapshot, error) {
	snap, err := s.cfg.Catalog.Fetch(ctx)
	if err != nil {
		s.sink.Log(Tag, "Failed to fetch apps: "+err.Error())
		return catalog.Snapshot{}, err
	}
	s.sink.Log(Tag, fmt.Sprintf("Fetched %d apps", snap.Len()))
	return snap, nil
}

// InstallPackage downloads pkg and launches its install in the background.
// onResult is called exactly once for an accepted request. A request made
// while another is pending gets a busy Failure delivered synchronously and
// ErrBusy returned. If ctx is cancelled before the request is reported,
// onResult is not called.
func (s *Store) InstallPackage(ctx context.Context, pkg catalog.Package, onResult func(Report)) error {
	startedAt := time.Now()

	s.mu.Lock()
	if s.busy {
		pending := s.current.Name
		s.mu.Unlock()
		s.sink.Log(Tag, fmt.Sprintf("Rejected %s: %s is still installing", pkg.Name, pending))
		onResult(newReport(uuid.NewString(), pkg, startedAt).fail("busy"))
		return ErrBusy
	}
	s.busy = true
	s.current = pkg
	s.state = StateRequested
	s.mu.Unlock()

	go s.run(ctx, newReport(uuid.NewString(), pkg, startedAt), onResult)
	return nil
}

// Install is the blocking form of InstallPackage.
func (s *Store) Install(ctx context.Context, pkg catalog.Package) (Report, error) {
	ch := make(chan Report, 1)
	if err := s.InstallPackage(ctx, pkg, func(r Report) { ch <- r }); err != nil {
		return <-ch, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (s *Store) run(ctx context.Context, rep Report, onResult func(Report)) {
	pkg := rep.Package
	l := logging.WithRequest(log, rep.RequestID, pkg.ObjectName)

	req, err := s.transferRequest(pkg)
	if err != nil {
		s.setState(StateDownloadFailed)
		s.deliver(ctx, l, rep.fail(err.Error()), onResult)
		return
	}

	s.sink.Log(Tag, fmt.Sprintf("Downloading %s %s", pkg.Name, pkg.Version))
	h, err := s.cfg.Tracker.Start(ctx, req)
	if err != nil {
		s.setState(StateDownloadFailed)
		s.deliver(ctx, l, rep.fail("could not start download: "+err.Error()), onResult)
		return
	}
	s.setState(StateDownloading)
	l.Info("download started", logging.KeyTransferID, h.ID(), "source", req.SourceURL)

	<-h.Done()
	outcome, _ := h.Outcome()

	if errors.Is(outcome.Err, transfer.ErrCanceled) {
		s.cancelled(l, pkg)
		return
	}
	if !outcome.Succeeded() {
		s.setState(StateDownloadFailed)
		s.deliver(ctx, l, rep.fail(outcome.Reason), onResult)
		return
	}

	s.setState(StateDownloadSucceeded)
	rep.ArtifactPath = outcome.Path
	s.sink.Log(Tag, "Download complete: "+outcome.Path)

	if err := s.cfg.Installer.Install(ctx, outcome.Path); err != nil {
		if errors.Is(err, install.ErrInstallLaunch) {
			s.deliver(ctx, l, rep.fail(err.Error()), onResult)
			return
		}
		// The artifact was valid; the platform owns what happens next.
		rep.LaunchWarning = err.Error()
		s.sink.Log(Tag, "Install launcher reported: "+err.Error())
	}
	s.setState(StateInstallLaunched)
	s.sink.Log(Tag, "Installing "+pkg.Name)
	s.deliver(ctx, l, rep.succeed(), onResult)
}

// transferRequest picks the source URL and target file name for pkg.
func (s *Store) transferRequest(pkg catalog.Package) (transfer.Request, error) {
	src := pkg.DownloadURL
	if s.cfg.BucketURL != "" {
		u, err := source.ObjectURL(s.cfg.BucketURL, pkg.ObjectName)
		if err != nil {
			return transfer.Request{}, err
		}
		src = u
	}
	return transfer.Request{
		SourceURL:    src,
		FileName:     pkg.FileName(),
		Title:        pkg.FileName(),
		Description:  "Downloading APK",
		Visibility:   s.cfg.Visibility,
		AllowMetered: s.cfg.AllowMetered,
		AllowRoaming: s.cfg.AllowRoaming,
	}, nil
}

func (s *Store) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// release frees the busy slot. It runs before onResult so the callback may
// start the next install.
func (s *Store) release() {
	s.mu.Lock()
	s.busy = false
	s.current = catalog.Package{}
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Store) cancelled(l *slog.Logger, pkg catalog.Package) {
	s.release()
	s.sink.Log(Tag, "Cancelled "+pkg.Name)
	l.Info("install request cancelled")
}

func (s *Store) deliver(ctx context.Context, l *slog.Logger, rep Report, onResult func(Report)) {
	rep.FinishedAt = time.Now()
	s.setState(StateReported)

	if ctx.Err() != nil {
		s.cancelled(l, rep.Package)
		return
	}

	if rep.Result == ResultSuccess {
		msg := "Installed " + rep.Package.Name
		if rep.LaunchWarning != "" {
			msg += " (launcher: " + rep.LaunchWarning + ")"
		}
		s.sink.Log(Tag, msg)
		l.Info("install reported", "result", rep.Result, "artifact", rep.ArtifactPath,
			logging.KeyDurationMs, rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
	} else {
		s.sink.Log(Tag, fmt.Sprintf("Failed to install %s: %s", rep.Package.Name, rep.Reason))
		l.Warn("install reported", "result", rep.Result, "reason", rep.Reason,
			logging.KeyDurationMs, rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
	}

	s.release()
	onResult(rep)
}
