// Package transfer tracks artifact downloads. A Subsystem performs the
// downloads and announces finished ones on a shared completion Bus; the
// Tracker correlates those announcements with the request that started
// them and resolves each Handle exactly once.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrDownloadFailed wraps every failed transfer outcome.
	ErrDownloadFailed = errors.New("download failed")
	// ErrTimeout means no completion arrived within the download timeout.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrDownloadFailed)
	// ErrCanceled means the owner cancelled the transfer before it resolved.
	ErrCanceled = errors.New("download canceled")
	// ErrUnknownID is returned by Query and Remove for IDs the subsystem
	// does not know about.
	ErrUnknownID = errors.New("unknown transfer id")
	// ErrInvalidFileName rejects target names that would escape the
	// download directory.
	ErrInvalidFileName = errors.New("invalid target file name")
	// ErrInsufficientSpace is reported when the download directory has less
	// free space than configured.
	ErrInsufficientSpace = errors.New("insufficient free disk space")
)

// ID is the opaque identifier the subsystem assigns to an enqueued download.
type ID int64

// Status is the subsystem's view of a download.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// IsFinished reports whether the download reached a terminal status.
func (s Status) IsFinished() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// Visibility controls how a download is surfaced to the user.
type Visibility string

const (
	VisibilityHidden           Visibility = "hidden"
	VisibilityVisible          Visibility = "visible"
	VisibilityVisibleNotify    Visibility = "visible_notify"
	VisibilityNotifyCompletion Visibility = "notify_completion"
)

// ParseVisibility accepts the config spelling of a visibility. Empty means
// visible.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VisibilityVisible, nil
	case VisibilityHidden, VisibilityVisible, VisibilityVisibleNotify, VisibilityNotifyCompletion:
		return v, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Request describes one download to enqueue.
type Request struct {
	SourceURL    string     `json:"sourceUrl"`
	FileName     string     `json:"fileName"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Visibility   Visibility `json:"visibility"`
	AllowMetered bool       `json:"allowMetered"`
	AllowRoaming bool       `json:"allowRoaming"`
}

// Validate checks the fields the subsystem cannot do without.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SourceURL) == "" {
		return errors.New("source url is required")
	}
	return ValidateFileName(r.FileName)
}

// Completion announces that the download with ID finished. It says nothing
// about success; Query the subsystem for that.
type Completion struct {
	ID ID `json:"id"`
}

// StatusReport is the result of Subsystem.Query.
type StatusReport struct {
	ID         ID      `json:"id"`
	Status     Status  `json:"status"`
	LocalPath  string  `json:"localPath,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	BytesDone  int64   `json:"bytesDone"`
	BytesTotal int64   `json:"bytesTotal"`
	Request    Request `json:"request"`
}

// Subsystem is the download service the tracker drives.
type Subsystem interface {
	Enqueue(ctx context.Context, req Request) (ID, error)
	Query(id ID) (StatusReport, error)
	Remove(id ID) error
	Completions() *Bus
}

// ValidateFileName accepts a bare file name only: no separators, no
// relative components.
func ValidateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFileName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidFileName, name)
	}
	return nil
}

// ArtifactPath is where a download named fileName lands inside dir.
func ArtifactPath(dir, fileName string) (string, error) {
	if err := ValidateFileName(fileName); err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}
