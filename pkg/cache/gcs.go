package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// GCSConfig holds configuration specific to the GCS store.
type GCSConfig struct {
	BucketName   string `yaml:"bucket" env:"BUCKET"`
	ObjectPrefix string `yaml:"object_prefix" env:"OBJECT_PREFIX"`
}

// GCSStore is an EntryStore that keeps one JSON object per key in a bucket.
type GCSStore struct {
	bucket GCSBucketHandle
	prefix string
	logger zerolog.Logger
}

// NewGCSStore creates a store writing under cfg.ObjectPrefix in cfg.BucketName.
func NewGCSStore(gcsClient GCSClient, cfg GCSConfig, logger zerolog.Logger) (*GCSStore, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSStore{
		bucket: gcsClient.Bucket(cfg.BucketName),
		prefix: strings.Trim(cfg.ObjectPrefix, "/"),
		logger: logger.With().Str("component", "GCSStore").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

func (s *GCSStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Fetch reads and decodes the object for key.
func (s *GCSStore) Fetch(ctx context.Context, key string) (Entry, error) {
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, ErrObjectNotExist) {
			return Entry{}, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("gcs read for %s: %w", key, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return Entry{}, fmt.Errorf("gcs read body for %s: %w", key, err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal GCS object.")
		return Entry{}, fmt.Errorf("failed to unmarshal entry for key %s: %w", key, err)
	}
	return entry, nil
}

// Set writes the entry, replacing the object if it exists.
func (s *GCSStore) Set(ctx context.Context, key string, entry Entry) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for key %s: %w", key, err)
	}
	w := s.bucket.Object(s.objectName(key)).NewWriter(ctx)
	if _, err := w.Write(jsonData); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write for %s: %w", key, err)
	}
	// The object is only committed once Close succeeds.
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs commit for %s: %w", key, err)
	}
	return nil
}

// Delete removes the object for key.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, ErrObjectNotExist) {
		return fmt.Errorf("gcs delete for %s: %w", key, err)
	}
	return nil
}

// Clear lists the objects under the key prefix and deletes each of them.
func (s *GCSStore) Clear(ctx context.Context, prefix string) (int, error) {
	listPrefix := s.objectName(prefix)
	if prefix == "" && s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	names, err := s.bucket.ListObjects(ctx, listPrefix)
	if err != nil {
		return 0, fmt.Errorf("gcs list for clear: %w", err)
	}
	removed := 0
	for _, name := range names {
		err := s.bucket.Object(name).Delete(ctx)
		if err != nil && !errors.Is(err, ErrObjectNotExist) {
			return removed, fmt.Errorf("gcs delete for %s: %w", name, err)
		}
		removed++
	}
	s.logger.Info().Str("prefix", prefix).Int("removed", removed).Msg("Cleared GCS entries.")
	return removed, nil
}

// Close is a no-op as the storage client's lifecycle is managed externally.
func (s *GCSStore) Close() error {
	return nil
}
