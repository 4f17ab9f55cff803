package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("source")

// HTTPFetcher downloads artifacts over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
	// Header is sent with every request, e.g. an API key for a private mirror.
	Header http.Header
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return 0, err
	}
	for k, vals := range f.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	log.Debug("downloading artifact", "url", src.Redacted(), "bytes", resp.ContentLength)
	return copyWithProgress(ctx, dst, resp.Body, resp.ContentLength, progress)
}
