package swr

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoURL is reported when a query is issued for an empty resource URL.
var ErrNoURL = errors.New("no URL provided")

// ErrNoData is returned by Decode when the state holds no data.
var ErrNoData = errors.New("no data available")

// State is a query's view of its resource at one point in time.
type State struct {
	// Data is the best-known payload as canonical JSON, nil while nothing
	// (cached or fresh) is available or when the resource is JSON null.
	Data json.RawMessage
	// Loading is true only while there is no data to show yet.
	Loading bool
	// Err is set only when a fetch failed and no data exists to fall back on.
	Err error
	// IsFromCache is true while Data is a cache hit not yet confirmed by the
	// network.
	IsFromCache bool
	// UpdatedAt is when Data was written: the cache entry's timestamp for a
	// hit, the fetch time for fresh data.
	UpdatedAt time.Time
}

// ErrorMessage returns the error text, or "" when there is no error.
func (s State) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// MarshalJSON renders the state with the error flattened to a nullable string.
func (s State) MarshalJSON() ([]byte, error) {
	type wire struct {
		Data        json.RawMessage `json:"data"`
		Loading     bool            `json:"loading"`
		Error       *string         `json:"error"`
		IsFromCache bool            `json:"isFromCache"`
		UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	}
	w := wire{Data: s.Data, Loading: s.Loading, IsFromCache: s.IsFromCache}
	if w.Data == nil {
		w.Data = json.RawMessage("null")
	}
	if s.Err != nil {
		msg := s.Err.Error()
		w.Error = &msg
	}
	if !s.UpdatedAt.IsZero() {
		w.UpdatedAt = &s.UpdatedAt
	}
	return json.Marshal(w)
}

// Decode unmarshals the state's data into a T.
func Decode[T any](s State) (T, error) {
	var v T
	if s.Data == nil {
		return v, ErrNoData
	}
	if err := json.Unmarshal(s.Data, &v); err != nil {
		return v, err
	}
	return v, nil
}
