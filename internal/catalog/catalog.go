// Package catalog fetches the list of installable packages from the remote
// catalog service.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/luddite-os/installer/internal/httputil"
	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("catalog")

// ErrFetch is wrapped by every error Fetch returns. Callers only need to
// know the catalog could not be refreshed; the cause is kept for logging.
var ErrFetch = errors.New("could not refresh catalog")

// maxBodyBytes bounds the catalog response read into memory.
const maxBodyBytes = 8 << 20

// Package describes one installable entry. ObjectName is its identity.
type Package struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	ObjectName  string `json:"objectName" yaml:"objectName"`
	DownloadURL string `json:"downloadUrl" yaml:"downloadUrl"`
}

// FileName is the local file name the package is downloaded to: the last
// element of ObjectName, or name-version.apk when that is unusable.
func (p Package) FileName() string {
	base := path.Base(strings.ReplaceAll(p.ObjectName, "\\", "/"))
	if base != "" && base != "." && base != ".." && base != "/" {
		return base
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '-'
		}
		return r
	}, p.Name+"-"+p.Version)
	return name + ".apk"
}

// Snapshot is one fetched catalog, in response order.
type Snapshot struct {
	Packages  []Package `json:"packages" yaml:"packages"`
	FetchedAt time.Time `json:"fetchedAt" yaml:"fetchedAt"`
}

// Len returns the number of packages.
func (s Snapshot) Len() int {
	return len(s.Packages)
}

// Lookup finds a package by ObjectName, falling back to a case-insensitive
// Name match.
func (s Snapshot) Lookup(key string) (Package, bool) {
	for _, p := range s.Packages {
		if p.ObjectName == key {
			return p, true
		}
	}
	for _, p := range s.Packages {
		if strings.EqualFold(p.Name, key) {
			return p, true
		}
	}
	return Package{}, false
}

// Config configures a Client.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Retry      httputil.RetryConfig
}

// Client fetches catalog snapshots. It holds no mutable state; concurrent
// Fetch calls are independent.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	retry  httputil.RetryConfig
}

// New creates a catalog client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = httputil.NewClient(30 * time.Second)
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: client,
		retry:  cfg.Retry,
	}
}

// Fetch retrieves the current catalog. Any failure, including a single
// malformed entry, returns an error wrapping ErrFetch and no snapshot.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Accept", "application/json")

	resp, err := httputil.Get(ctx, c.client, c.url, headers, c.retry)
	if err != nil {
		log.Warn("catalog request failed", logging.KeyError, err)
		return Snapshot{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Warn("catalog request rejected", "status", resp.StatusCode)
		return Snapshot{}, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if len(body) > maxBodyBytes {
		return Snapshot{}, fmt.Errorf("%w: response exceeds %d bytes", ErrFetch, maxBodyBytes)
	}

	packages, err := Parse(body)
	if err != nil {
		log.Warn("catalog response malformed", logging.KeyError, err)
		return Snapshot{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	log.Debug("fetched catalog", "packages", len(packages))
	return Snapshot{Packages: packages, FetchedAt: time.Now()}, nil
}

// wirePackage uses pointers so a missing or null field can be told apart
// from an empty string.
type wirePackage struct {
	Name        *string `json:"name"`
	Version     *string `json:"version"`
	ObjectName  *string `json:"objectName"`
	DownloadURL *string `json:"downloadUrl"`
}

// Parse decodes a catalog body: a JSON array of objects that each carry the
// four string fields. A missing, null or non-string field fails the whole
// body.
func Parse(body []byte) ([]Package, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("catalog body is not a JSON array")
	}

	var raw []wirePackage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	packages := make([]Package, 0, len(raw))
	for i, w := range raw {
		var missing []string
		if w.Name == nil {
			missing = append(missing, "name")
		}
		if w.Version == nil {
			missing = append(missing, "version")
		}
		if w.ObjectName == nil {
			missing = append(missing, "objectName")
		}
		if w.DownloadURL == nil {
			missing = append(missing, "downloadUrl")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("entry %d missing %s", i, strings.Join(missing, ", "))
		}
		packages = append(packages, Package{
			Name:        *w.Name,
			Version:     *w.Version,
			ObjectName:  *w.ObjectName,
			DownloadURL: *w.DownloadURL,
		})
	}
	return packages, nil
}
