// Package install hands a downloaded artifact to the platform's package
// installer. It only guarantees that the install was launched with a valid
// artifact; the installer owns the actual outcome.
package install

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("install")

// APKMIMEType is the MIME type of Android package archives.
const APKMIMEType = "application/vnd.android.package-archive"

// DefaultAction is the install action used when none is configured.
const DefaultAction = "com.luddite.app.store.INSTALL_PACKAGE"

var (
	// ErrInstallLaunch means the artifact is missing or unusable, so no
	// install was attempted.
	ErrInstallLaunch = errors.New("cannot launch install")
	// ErrLaunch means a valid artifact was handed to the launcher and the
	// launcher reported an error.
	ErrLaunch = errors.New("install launcher failed")
)

// Artifact is the readable reference passed to a launcher.
type Artifact struct {
	Path     string `json:"path"`
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	Action   string `json:"action"`
}

// Launcher starts the platform install flow for an artifact. Launch must not
// wait for the install to finish.
type Launcher interface {
	Launch(ctx context.Context, a Artifact) error
}

// Trigger validates artifacts and launches installs.
type Trigger struct {
	launcher Launcher
	action   string
}

// NewTrigger creates a trigger. An empty action uses DefaultAction.
func NewTrigger(launcher Launcher, action string) *Trigger {
	if action == "" {
		action = DefaultAction
	}
	return &Trigger{launcher: launcher, action: action}
}

// Install checks the artifact at path and launches its install.
func (t *Trigger) Install(ctx context.Context, path string) error {
	a, err := t.Prepare(path)
	if err != nil {
		return err
	}

	log.Info("launching install", "path", a.Path, "mime", a.MIMEType, "action", a.Action)
	if err := t.launcher.Launch(ctx, a); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	return nil
}

// Prepare validates path and builds the Artifact a launcher receives.
func (t *Trigger) Prepare(path string) (Artifact, error) {
	if path == "" {
		return Artifact{}, fmt.Errorf("%w: empty artifact path", ErrInstallLaunch)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrInstallLaunch, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrInstallLaunch, err)
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, fmt.Errorf("%w: %s is not a regular file", ErrInstallLaunch, abs)
	}
	if info.Size() == 0 {
		return Artifact{}, fmt.Errorf("%w: %s is empty", ErrInstallLaunch, abs)
	}
	if err := checkReadable(abs); err != nil {
		return Artifact{}, fmt.Errorf("%w: %s is not readable: %w", ErrInstallLaunch, abs, err)
	}

	return Artifact{
		Path:     abs,
		URI:      (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		MIMEType: MIMEType(abs),
		Action:   t.action,
	}, nil
}

// MIMEType guesses the MIME type from the file extension.
func MIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".apk" {
		return APKMIMEType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
