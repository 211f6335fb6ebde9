// Package swr implements a stale-while-revalidate data-access layer for JSON
// resources.
//
// A Query publishes any cached copy of its resource immediately and then
// revalidates it from the network in the background. Fresh data replaces the
// cached copy only when it differs, and a failed revalidation never hides data
// that is already on screen.
package swr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/illmade-knight/go-swr/pkg/source"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTime is the advisory freshness window used by Query.Stale.
	DefaultCacheTime = 5 * time.Minute
	// DefaultRequestTimeout bounds each network revalidation.
	DefaultRequestTimeout = 30 * time.Second
	// cacheWriteTimeout bounds a single write-back to the entry store.
	cacheWriteTimeout = 10 * time.Second
)

// Config holds client-wide settings.
type Config struct {
	// Prefix namespaces every cache key. Defaults to cache.DefaultPrefix.
	Prefix string
	// CacheTime is the default advisory freshness window for queries.
	CacheTime time.Duration
	// RequestTimeout bounds each network call. Negative disables it.
	RequestTimeout time.Duration
}

// Client owns the shared entry store and the network source. All queries
// issued by one client share its cache and coalesce concurrent network calls
// for the same resource.
type Client struct {
	store  cache.EntryStore
	source source.Fetcher
	cfg    Config
	sf     singleflight.Group
	logger zerolog.Logger
	now    func() time.Time
}

// NewClient creates a client over store and src.
func NewClient(cfg Config, store cache.EntryStore, src source.Fetcher, logger zerolog.Logger) (*Client, error) {
	if store == nil || src == nil {
		return nil, errors.New("entry store and source cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cache.DefaultPrefix
	}
	if cfg.CacheTime <= 0 {
		cfg.CacheTime = DefaultCacheTime
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		store:  store,
		source: src,
		cfg:    cfg,
		logger: logger.With().Str("component", "SWRClient").Logger(),
		now:    time.Now,
	}, nil
}

// Key returns the cache key used for url.
func (c *Client) Key(url string) string {
	return cache.Key(c.cfg.Prefix, url)
}

// Request starts a query for url. Any cached entry is published before
// Request returns; revalidation continues in the background until the query
// settles or is closed. Cancelling ctx abandons the query's network work.
func (c *Client) Request(ctx context.Context, url string, opts ...Option) *Query {
	q := &Query{
		id:        uuid.NewString(),
		client:    c,
		cacheTime: c.cfg.CacheTime,
		listeners: make(map[int]func(State)),
		done:      closedChan(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.base = c.logger.With().Str("query_id", q.id).Logger()
	q.load(url)
	return q
}

// Invalidate removes the cached entry for url.
func (c *Client) Invalidate(ctx context.Context, url string) error {
	if url == "" {
		return ErrNoURL
	}
	if err := c.store.Delete(ctx, c.Key(url)); err != nil {
		return fmt.Errorf("invalidate %s: %w", url, err)
	}
	c.logger.Info().Str("url", url).Msg("Cache entry invalidated.")
	return nil
}

// ClearAll removes every entry in the client's key namespace.
func (c *Client) ClearAll(ctx context.Context) (int, error) {
	removed, err := c.store.Clear(ctx, c.cfg.Prefix)
	if err != nil {
		return removed, fmt.Errorf("clear cache: %w", err)
	}
	c.logger.Info().Int("removed", removed).Msg("Cache cleared.")
	return removed, nil
}

// Close closes the entry store and the source.
func (c *Client) Close() error {
	var errs []error
	if err := c.store.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing entry store.")
		errs = append(errs, fmt.Errorf("error closing entry store: %w", err))
	}
	if err := c.source.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing source.")
		errs = append(errs, fmt.Errorf("error closing source: %w", err))
	}
	return errors.Join(errs...)
}

// readEntry returns the cached payload for key. Misses, backend errors and
// corrupt entries all report ok=false.
func (c *Client) readEntry(ctx context.Context, key string, logger zerolog.Logger) (cache.Entry, bool) {
	entry, err := c.store.Fetch(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss.")
		}
		return cache.Entry{}, false
	}
	data, err := canonicalize(entry.Data)
	if err != nil || data == nil {
		logger.Warn().Err(err).Str("key", key).Msg("Cached entry is unreadable, treating as miss.")
		return cache.Entry{}, false
	}
	entry.Data = data
	return entry, true
}

// writeEntry persists data under key. Failures are logged and swallowed.
func (c *Client) writeEntry(key string, data json.RawMessage, at time.Time, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	entry := cache.Entry{Data: data, Timestamp: at.UnixMilli()}
	if err := c.store.Set(ctx, key, entry); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Failed to write cache entry.")
		return
	}
	logger.Debug().Str("key", key).Msg("Cache entry written.")
}

// fetch performs the network call for url, sharing one in-flight call among
// every concurrent caller for the same key. The shared call is detached from
// any single caller's cancellation; ctx only bounds how long this caller waits.
func (c *Client) fetch(ctx context.Context, key, url string) (json.RawMessage, error) {
	ch := c.sf.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.cfg.RequestTimeout)
			defer cancel()
		}
		raw, err := c.source.Fetch(fetchCtx, url)
		if err != nil {
			return nil, err
		}
		return Normalize(raw)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.(json.RawMessage)
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
