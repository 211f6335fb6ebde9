package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id" env:"PROJECT_ID"`
	CollectionName string `yaml:"collection" env:"COLLECTION"`
}

// firestoreEntry is the document shape. The payload is kept as a JSON string
// so that arbitrary JSON survives Firestore's type mapping unchanged.
type firestoreEntry struct {
	Data      string `firestore:"data"`
	Timestamp int64  `firestore:"timestamp"`
}

// FirestoreStore is an EntryStore keeping one document per key.
// It suits low volume deployments; use Redis for anything hot.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a new FirestoreStore.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Fetch retrieves a document and maps it back to an Entry.
func (s *FirestoreStore) Fetch(ctx context.Context, key string) (Entry, error) {
	docSnap, err := s.client.Collection(s.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Entry{}, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var doc firestoreEntry
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return Entry{}, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	if doc.Data == "" {
		return Entry{}, fmt.Errorf("firestore document %s has no data", key)
	}
	return Entry{Data: []byte(doc.Data), Timestamp: doc.Timestamp}, nil
}

// Set creates or overwrites the document for key.
func (s *FirestoreStore) Set(ctx context.Context, key string, entry Entry) error {
	doc := firestoreEntry{Data: string(entry.Data), Timestamp: entry.Timestamp}
	if _, err := s.client.Collection(s.collection).Doc(key).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Wrote entry to Firestore.")
	return nil
}

// Delete removes the document for key.
func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(key).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Clear deletes every document in the collection whose ID has the prefix.
func (s *FirestoreStore) Clear(ctx context.Context, prefix string) (int, error) {
	iter := s.client.Collection(s.collection).DocumentRefs(ctx)
	removed := 0
	for {
		ref, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("firestore list for clear: %w", err)
		}
		if !strings.HasPrefix(ref.ID, prefix) {
			continue
		}
		if _, err := ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("firestore delete for %s: %w", ref.ID, err)
		}
		removed++
	}
	s.logger.Info().Str("prefix", prefix).Int("removed", removed).Msg("Cleared Firestore entries.")
	return removed, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	return nil
}
