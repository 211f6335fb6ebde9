// Package cache provides the persistent entry stores behind the
// stale-while-revalidate client.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
)

// DefaultPrefix namespaces every key written by this module. ClearAll removes
// exactly the keys that start with it.
const DefaultPrefix = "swr_cache_"

// keyHashLen is the number of hex characters of the URL digest kept in a key.
const keyHashLen = 32

// ErrNotFound is returned by EntryStore.Fetch on a plain cache miss.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the last-known-good payload for a resource together with the
// time, in milliseconds since the epoch, at which it was written.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// EntryStore is the process-wide key-value mapping shared by every consumer
// of a resource. Implementations must be safe for concurrent use; concurrent
// writers of one key race and the last write wins.
type EntryStore interface {
	// Fetch returns the entry stored under key, or an error wrapping
	// ErrNotFound when there is none.
	Fetch(ctx context.Context, key string) (Entry, error)
	// Set stores the entry, overwriting any prior value.
	Set(ctx context.Context, key string, entry Entry) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every key that starts with prefix and reports how many
	// were removed.
	Clear(ctx context.Context, prefix string) (int, error)
	io.Closer
}

// Key derives the storage key for url. The same URL always maps to the same
// key; the digest keeps keys short enough for any backend.
func Key(prefix, url string) string {
	sum := sha256.Sum256([]byte(url))
	return prefix + hex.EncodeToString(sum[:])[:keyHashLen]
}

// decodeEntry unmarshals a stored entry, rejecting values that are not
// entries at all.
func decodeEntry(raw []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, err
	}
	if len(entry.Data) == 0 {
		return Entry{}, errors.New("stored entry has no data")
	}
	return entry, nil
}
