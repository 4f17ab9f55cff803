package source

import "net/http"

// Options carries the credentials for every supported store. Zero values
// are fine for stores that are never addressed.
type Options struct {
	HTTPClient *http.Client
	HTTPHeader http.Header

	S3                    S3Config
	GCSCredentialsFile    string
	AzureConnectionString string
	B2AccountID           string
	B2ApplicationKey      string
}

// NewDefaultRegistry registers fetchers for http, https, s3, gs, azblob
// and b2. Object store clients are built lazily on first fetch.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	r.Register(&HTTPFetcher{Client: opts.HTTPClient, Header: opts.HTTPHeader}, "http", "https")
	r.Register(NewS3Fetcher(opts.S3), "s3")
	r.Register(NewGCSFetcher(opts.GCSCredentialsFile), "gs")
	r.Register(NewAzureFetcher(opts.AzureConnectionString), "azblob")
	r.Register(NewB2Fetcher(opts.B2AccountID, opts.B2ApplicationKey), "b2")
	return r
}
