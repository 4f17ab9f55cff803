// Package source fetches artifacts from the locations a catalog entry can
// point at: plain HTTP(S) or an object store bucket keyed by object name.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupportedScheme is returned when no fetcher handles a URL scheme.
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// ProgressFunc receives byte counts as an artifact is written. total is -1
// when the size is not known up front.
type ProgressFunc func(done, total int64)

// Fetcher copies the artifact at src into dst and returns the bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error)
}

// Registry maps URL schemes to fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register binds a fetcher to one or more schemes, replacing earlier ones.
func (r *Registry) Register(f Fetcher, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
}

// Lookup returns the fetcher for a URL, or ErrUnsupportedScheme.
func (r *Registry) Lookup(src *url.URL) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[strings.ToLower(src.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, src.Scheme)
	}
	return f, nil
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ObjectURL joins a bucket URL such as s3://apks/releases with an object
// name into the URL of that object.
func ObjectURL(bucketURL, objectName string) (string, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return "", fmt.Errorf("invalid bucket URL: %w", err)
	}
	name := strings.TrimLeft(objectName, "/")
	if name == "" {
		return "", errors.New("object name is empty")
	}
	return u.JoinPath(name).String(), nil
}

// bucketKey splits scheme://bucket/key.
func bucketKey(src *url.URL) (string, string, error) {
	bucket := src.Host
	key := strings.TrimPrefix(src.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%s URL %q must be %s://bucket/key", src.Scheme, src.String(), src.Scheme)
	}
	return bucket, key, nil
}

// copyWithProgress copies r into w, reporting progress and stopping when
// ctx is cancelled.
func copyWithProgress(ctx context.Context, w io.Writer, r io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 256*1024)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return done, fmt.Errorf("write artifact: %w", werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if err == io.EOF {
			return done, nil
		}
		if err != nil {
			return done, fmt.Errorf("read artifact: %w", err)
		}
	}
}
