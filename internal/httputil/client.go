package httputil

import (
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// NewClient returns an HTTP client that honors HTTPS_PROXY, HTTP_PROXY and
// NO_PROXY. The proxy config is read once, at construction.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(httpproxy.FromEnvironment()),
	}
}

func newTransport(proxy *httpproxy.Config) *http.Transport {
	proxyFunc := proxy.ProxyFunc()

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
	t.ResponseHeaderTimeout = 60 * time.Second
	return t
}
