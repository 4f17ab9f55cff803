package server

import (
	"time"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/logging"
)

type installRequestBody struct {
	ObjectName string `json:"objectName"`
	Name       string `json:"name"`
}

type installResponse struct {
	Status  string          `json:"status"`
	Package catalog.Package `json:"package"`
}

type catalogResponse struct {
	Packages  []catalog.Package `json:"packages"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

type statusResponse struct {
	State   appstore.State   `json:"state"`
	Package *catalog.Package `json:"package,omitempty"`
}

// event is one message on the /api/events stream.
type event struct {
	Type   string           `json:"type"`
	Line   *logging.Line    `json:"line,omitempty"`
	Report *appstore.Report `json:"report,omitempty"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error errorInfo `json:"error"`
}
