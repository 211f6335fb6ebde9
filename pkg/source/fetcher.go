// Package source fetches raw JSON resources from the network.
package source

import (
	"context"
	"fmt"
	"io"
)

// Fetcher is the source of truth for a resource URL. The returned bytes are
// the raw response body; interpreting them is the caller's job.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	io.Closer
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Close is a no-op.
func (f FetcherFunc) Close() error { return nil }

// StatusError reports a response with a non-success status code.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}
