package swr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a single query.
type Option func(*Query)

// WithCacheTime sets the advisory freshness window reported by Query.Stale.
// Cached data is served regardless of its age.
func WithCacheTime(d time.Duration) Option {
	return func(q *Query) {
		if d > 0 {
			q.cacheTime = d
		}
	}
}

// WithSkipCache bypasses the cache read. Successful fetches are still written.
func WithSkipCache() Option {
	return func(q *Query) { q.skipCache = true }
}

// Query tracks one consumer's state for one resource URL.
//
// Every network attempt is tagged with the generation current when it was
// issued. Loading a new URL, refetching, or closing the query starts a new
// generation, and results from older generations are discarded.
type Query struct {
	id        string
	client    *Client
	cacheTime time.Duration
	skipCache bool
	base      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	url           string
	key           string
	logger        zerolog.Logger
	state         State
	gen           uint64
	cancelAttempt context.CancelFunc
	done          chan struct{}
	closed        bool
	listeners     map[int]func(State)
	nextListener  int

	// outbox holds published states not yet handed to listeners. Exactly one
	// goroutine drains it at a time, and no lock is held during callbacks, so
	// listeners see states in publish order and may call back into the query.
	outbox     []published
	delivering bool
}

type published struct {
	state     State
	listeners []func(State)
}

// ID identifies the query in logs.
func (q *Query) ID() string { return q.id }

// URL returns the resource URL the query currently tracks.
func (q *Query) URL() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.url
}

// State returns a snapshot of the current state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stale reports whether the data shown is a cache hit older than the query's
// cache time. It is informational only; stale data is still served.
func (q *Query) Stale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.state.IsFromCache || q.state.UpdatedAt.IsZero() {
		return false
	}
	return q.client.now().Sub(q.state.UpdatedAt) > q.cacheTime
}

// Subscribe registers fn to receive every published state change. The
// returned function unregisters it.
func (q *Query) Subscribe(fn func(State)) (unsubscribe func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return func() {}
	}
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// Done returns a channel closed when the latest network attempt has settled.
func (q *Query) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Wait blocks until the latest network attempt settles or ctx ends, then
// returns the current state.
func (q *Query) Wait(ctx context.Context) (State, error) {
	select {
	case <-q.Done():
		return q.State(), nil
	case <-ctx.Done():
		return q.State(), ctx.Err()
	}
}

// SetURL points the query at a new resource: state resets to loading, the
// cache is consulted and a fresh network attempt begins. Results still in
// flight for the previous URL are discarded.
func (q *Query) SetURL(url string) {
	q.load(url)
}

// Refetch revalidates the current URL from the network without resetting
// state, so data already shown stays visible until the result arrives.
func (q *Query) Refetch() {
	q.mu.Lock()
	if q.closed || q.url == "" {
		q.mu.Unlock()
		return
	}
	gen := q.nextGeneration()
	q.mu.Unlock()
	q.revalidate(gen)
}

// Close detaches the query: in-flight work is cancelled, late results are
// dropped and listeners receive nothing further.
func (q *Query) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.nextGeneration()
	q.listeners = nil
	q.cancel()
}

// nextGeneration starts a new generation and cancels the previous attempt.
// Callers hold q.mu.
func (q *Query) nextGeneration() uint64 {
	q.gen++
	if q.cancelAttempt != nil {
		q.cancelAttempt()
		q.cancelAttempt = nil
	}
	return q.gen
}

// load resets the query onto url and runs the full read-then-revalidate cycle.
func (q *Query) load(url string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	gen := q.nextGeneration()
	q.url = url
	q.key = ""
	if url != "" {
		q.key = q.client.Key(url)
	}
	q.state = State{Loading: true}
	q.logger = q.base.With().Str("url", url).Logger()
	q.publishLocked()
	q.mu.Unlock()
	q.deliver()

	if url == "" {
		q.update(gen, func(s *State) bool {
			s.Loading = false
			s.Err = ErrNoURL
			return true
		})
		q.mu.Lock()
		q.done = closedChan()
		q.mu.Unlock()
		return
	}

	if !q.skipCache {
		q.readCache(gen)
	}
	q.revalidate(gen)
}

// readCache publishes a cached entry if one exists. Its age is not checked.
func (q *Query) readCache(gen uint64) {
	q.mu.Lock()
	key, logger := q.key, q.logger
	q.mu.Unlock()

	entry, ok := q.client.readEntry(q.ctx, key, logger)
	if !ok {
		return
	}
	q.update(gen, func(s *State) bool {
		s.Data = entry.Data
		s.IsFromCache = true
		s.Loading = false
		s.UpdatedAt = time.UnixMilli(entry.Timestamp)
		return true
	})
	logger.Debug().Msg("Serving cached data while revalidating.")
}

// revalidate starts a network attempt for generation gen.
func (q *Query) revalidate(gen uint64) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	attemptCtx, cancel := context.WithCancel(q.ctx)
	q.cancelAttempt = cancel
	done := make(chan struct{})
	q.done = done
	url, key, logger := q.url, q.key, q.logger
	q.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		data, err := q.client.fetch(attemptCtx, key, url)
		if err != nil {
			q.settleFailure(gen, err, logger)
			return
		}
		q.settleSuccess(gen, key, data, logger)
	}()
}

func (q *Query) settleSuccess(gen uint64, key string, data json.RawMessage, logger zerolog.Logger) {
	fetchedAt := q.client.now()
	var write bool
	applied := q.update(gen, func(s *State) bool {
		if s.Data != nil && bytes.Equal(s.Data, data) {
			return false
		}
		s.Data = data
		s.IsFromCache = false
		s.Loading = false
		s.Err = nil
		s.UpdatedAt = fetchedAt
		write = data != nil
		return true
	})
	if !applied {
		logger.Debug().Msg("Discarding result from a superseded request.")
		return
	}
	if write {
		q.client.writeEntry(key, data, fetchedAt, logger)
	}
}

func (q *Query) settleFailure(gen uint64, err error, logger zerolog.Logger) {
	var recovered bool
	applied := q.update(gen, func(s *State) bool {
		if s.Data != nil {
			recovered = true
			return false
		}
		s.Err = err
		s.Loading = false
		return true
	})
	switch {
	case !applied:
		if !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("Discarding failure from a superseded request.")
		}
	case recovered:
		logger.Warn().Err(err).Msg("Revalidation failed; continuing to serve cached data.")
	default:
		logger.Error().Err(err).Msg("Fetch failed with no cached data to fall back on.")
	}
}

// update applies fn to the state if gen is still current and notifies
// listeners when fn reports a change. It reports whether gen was current.
func (q *Query) update(gen uint64, fn func(*State) bool) bool {
	q.mu.Lock()
	if q.closed || gen != q.gen {
		q.mu.Unlock()
		return false
	}
	changed := fn(&q.state)
	if changed {
		q.publishLocked()
	}
	q.mu.Unlock()

	if changed {
		q.deliver()
	}
	return true
}

// publishLocked queues the current state for the registered listeners.
// Callers hold q.mu.
func (q *Query) publishLocked() {
	q.outbox = append(q.outbox, published{state: q.state, listeners: q.listenerList()})
}

// deliver hands queued states to listeners. If another goroutine is already
// delivering, including a listener that re-entered the query, it returns at
// once and the active goroutine picks up the new entries.
func (q *Query) deliver() {
	q.mu.Lock()
	if q.delivering {
		q.mu.Unlock()
		return
	}
	q.delivering = true
	for len(q.outbox) > 0 && !q.closed {
		next := q.outbox[0]
		q.outbox[0] = published{}
		q.outbox = q.outbox[1:]
		q.mu.Unlock()
		notify(next.listeners, next.state)
		q.mu.Lock()
	}
	q.outbox = nil
	q.delivering = false
	q.mu.Unlock()
}

// listenerList copies the registered listeners. Callers hold q.mu.
func (q *Query) listenerList() []func(State) {
	out := make([]func(State), 0, len(q.listeners))
	for _, fn := range q.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
