package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/illmade-knight/go-swr/pkg/source"

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes int64 = 10 << 20

// HTTPConfig holds configuration for the HTTP source.
type HTTPConfig struct {
	// BaseURL resolves relative resource URLs. Absolute URLs ignore it.
	BaseURL string
	// Timeout bounds a single request when the caller's context has no
	// earlier deadline. Zero disables it.
	Timeout      time.Duration
	MaxBodyBytes int64
	// Header is added to every request.
	Header http.Header
}

// HTTPSource fetches JSON resources over HTTP.
type HTTPSource struct {
	client *http.Client
	base   *url.URL
	cfg    HTTPConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewHTTPSource creates an HTTPSource. A nil client uses http.DefaultClient.
func NewHTTPSource(cfg HTTPConfig, client *http.Client, logger zerolog.Logger) (*HTTPSource, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
		}
		base = u
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		client: client,
		base:   base,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With().Str("component", "HTTPSource").Logger(),
	}, nil
}

// Resolve turns a resource URL into the absolute URL that will be requested.
func (s *HTTPSource) Resolve(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource URL %q: %w", resource, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if s.base == nil {
		return "", fmt.Errorf("relative URL %q requires a base URL", resource)
	}
	return s.base.ResolveReference(u).String(), nil
}

// Fetch issues a GET for resource and returns the response body. Any
// non-2xx status is reported as a *StatusError.
func (s *HTTPSource) Fetch(ctx context.Context, resource string) ([]byte, error) {
	target, err := s.Resolve(resource)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "source.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", target)),
	)
	defer span.End()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	body, status, err := s.do(ctx, target)
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug().Err(err).Str("url", target).Msg("Fetch failed.")
		return nil, err
	}
	s.logger.Debug().Str("url", target).Int("bytes", len(body)).Msg("Fetched resource.")
	return body, nil
}

func (s *HTTPSource) do(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", target, err)
	}
	for k, vs := range s.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, resp.StatusCode, &StatusError{URL: target, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body of %s: %w", target, err)
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		return nil, resp.StatusCode, fmt.Errorf("fetch %s: %w", target, ErrBodyTooLarge)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("fetch %s: empty response body", target)
	}
	return body, resp.StatusCode, nil
}

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Close releases idle connections held by the underlying client.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
