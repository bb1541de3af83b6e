package downloader

import (
	"fmt"
	"net/http"
	"net/url"
)

// proxyFunc returns an http.Transport Proxy function pinned to a
// single configured proxy URL, so all OTA traffic routes through one
// caching proxy.
func proxyFunc(proxyURL string) (func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", proxyURL, err)
	}
	return func(*http.Request) (*url.URL, error) {
		return u, nil
	}, nil
}
