package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-swr/pkg/swr"
	"github.com/rs/zerolog"
)

// ResourceClient is the part of *swr.Client the server depends on.
type ResourceClient interface {
	Request(ctx context.Context, url string, opts ...swr.Option) *swr.Query
	Invalidate(ctx context.Context, url string) error
	ClearAll(ctx context.Context) (int, error)
}

// Broadcaster forwards admin commands to peer processes.
// *invalidation.Publisher satisfies it.
type Broadcaster interface {
	Invalidate(ctx context.Context, url string) error
	ClearAll(ctx context.Context) error
}

// SWRServer exposes the stale-while-revalidate client over HTTP.
type SWRServer struct {
	*BaseServer
	client      ResourceClient
	broadcaster Broadcaster
	waitTimeout time.Duration
	logger      zerolog.Logger
}

// NewSWRServer builds the server and registers its routes. broadcaster may be nil.
func NewSWRServer(base *BaseServer, client ResourceClient, broadcaster Broadcaster, waitTimeout time.Duration, logger zerolog.Logger) (*SWRServer, error) {
	if base == nil || client == nil {
		return nil, errors.New("base server and client cannot be nil")
	}
	if waitTimeout <= 0 {
		waitTimeout = swr.DefaultRequestTimeout
	}
	s := &SWRServer{
		BaseServer:  base,
		client:      client,
		broadcaster: broadcaster,
		waitTimeout: waitTimeout,
		logger:      logger.With().Str("component", "SWRServer").Logger(),
	}
	base.Router().Route("/v1", func(r chi.Router) {
		r.Get("/resource", s.handleResource)
		r.Delete("/cache", s.handleClear)
	})
	return s, nil
}

// handleResource returns the state of a resource. By default the immediate
// state is returned and revalidation finishes in the background; wait=true
// returns the state after revalidation.
func (s *SWRServer) handleResource(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	var opts []swr.Option
	if boolParam(r, "skipCache") {
		opts = append(opts, swr.WithSkipCache())
	}

	// The query outlives this handler when not waiting, so it must not inherit
	// the request's cancellation.
	q := s.client.Request(context.WithoutCancel(r.Context()), url, opts...)

	var state swr.State
	if boolParam(r, "wait") {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		state, _ = q.Wait(ctx)
		q.Close()
	} else {
		state = q.State()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.waitTimeout)
			defer cancel()
			_, _ = q.Wait(ctx)
			q.Close()
		}()
	}

	status := http.StatusOK
	switch {
	case errors.Is(state.Err, swr.ErrNoURL):
		status = http.StatusBadRequest
	case state.Err != nil:
		status = http.StatusBadGateway
	case state.Loading:
		status = http.StatusAccepted
	}
	writeJSON(w, status, state, s.logger)
}

// handleClear invalidates one URL when ?url= is given, otherwise every entry.
func (s *SWRServer) handleClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	url := r.URL.Query().Get("url")

	if url != "" {
		if err := s.client.Invalidate(ctx, url); err != nil {
			s.logger.Error().Err(err).Str("url", url).Msg("Invalidate failed.")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
			return
		}
		if s.broadcaster != nil {
			if err := s.broadcaster.Invalidate(ctx, url); err != nil {
				s.logger.Warn().Err(err).Str("url", url).Msg("Failed to broadcast invalidation.")
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": url}, s.logger)
		return
	}

	removed, err := s.client.ClearAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Clear all failed.")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.ClearAll(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast clear-all.")
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed}, s.logger)
}

func boolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to write response.")
	}
}
