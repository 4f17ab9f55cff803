package appstore

import (
	"time"

	"github.com/luddite-os/installer/internal/catalog"
)

// Result is the final verdict of an install request.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Report is delivered once per accepted install request.
type Report struct {
	RequestID    string          `json:"requestId"`
	Package      catalog.Package `json:"package"`
	Result       Result          `json:"result"`
	Reason       string          `json:"reason,omitempty"`
	ArtifactPath string          `json:"artifactPath,omitempty"`
	// LaunchWarning carries a launcher error that did not fail the request.
	LaunchWarning string    `json:"launchWarning,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

func newReport(id string, pkg catalog.Package, startedAt time.Time) Report {
	return Report{RequestID: id, Package: pkg, StartedAt: startedAt}
}

func (r Report) fail(reason string) Report {
	r.Result = ResultFailure
	r.Reason = reason
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	return r
}

func (r Report) succeed() Report {
	r.Result = ResultSuccess
	return r
}

// Succeeded reports whether the install was launched.
func (r Report) Succeeded() bool {
	return r.Result == ResultSuccess
}

// State is where an install request is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateDownloading
	StateDownloadFailed
	StateDownloadSucceeded
	StateInstallLaunched
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateDownloading:
		return "downloading"
	case StateDownloadFailed:
		return "download_failed"
	case StateDownloadSucceeded:
		return "download_succeeded"
	case StateInstallLaunched:
		return "install_launched"
	case StateReported:
		return "reported"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
