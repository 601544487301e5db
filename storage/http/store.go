// Package http provides a storage.Store backed by HTTP GET requests against a
// base URL.
package http

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/meigma/volstream/storage"
)

// Store reads objects relative to a base URL.
type Store struct {
	base    string
	client  *nethttp.Client
	headers nethttp.Header
	maxSize int64
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Store) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Store) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithMaxObjectSize rejects responses larger than n bytes. Zero means no
// limit.
func WithMaxObjectSize(n int64) Option {
	return func(s *Store) {
		s.maxSize = n
	}
}

// New creates a Store for objects under baseURL.
func New(baseURL string, opts ...Option) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("http: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http: unsupported scheme %q", u.Scheme)
	}
	s := &Store{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	return s, nil
}

// ReadFile fetches the object at path. A 404 response is reported as
// storage.ErrNotFound.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	target := s.base + "/" + strings.TrimPrefix(path, "/")
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// ok
	case nethttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	default:
		return nil, fmt.Errorf("http: get %s: %s", path, resp.Status)
	}

	if s.maxSize > 0 {
		if resp.ContentLength > s.maxSize {
			return nil, fmt.Errorf("http: %s is %d bytes, limit %d", path, resp.ContentLength, s.maxSize)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > s.maxSize {
			return nil, fmt.Errorf("http: %s exceeds %d bytes", path, s.maxSize)
		}
		return data, nil
	}
	return io.ReadAll(resp.Body)
}
