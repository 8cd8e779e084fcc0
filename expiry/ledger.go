// Package expiry tracks locally fetched artifacts and reclaims disk space
// with TTL and LRU strategies.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	mediarelay "github.com/wolfeidau/media-relay"
	"github.com/wolfeidau/media-relay/fetch"
)

// ErrNotFound is returned when no record exists for an artifact.
var ErrNotFound = errors.New("expiry: artifact not found")

var _ fetch.Ledger = (*Ledger)(nil)

var artifactsBucket = []byte("artifacts")

// ArtifactMetadata is one ledger record for a locally fetched artifact.
type ArtifactMetadata struct {
	Identifier   string          `json:"identifier"`
	Kind         mediarelay.Kind `json:"kind"`
	Path         string          `json:"path"`
	Size         int64           `json:"size"`
	Checksum     mediarelay.Hash `json:"checksum"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// Ledger is a bbolt-backed record of everything in the downloads directory.
// It tracks only local-file bookkeeping, nothing about resolution state.
type Ledger struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenLedger opens (or creates) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger bucket: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores a fresh ledger entry for a fetched artifact, overwriting any
// previous record under the same identifier and kind.
func (l *Ledger) Record(_ context.Context, artifact *mediarelay.LocalArtifact, sum mediarelay.Hash) error {
	now := l.now()
	meta := &ArtifactMetadata{
		Identifier:   artifact.Identifier,
		Kind:         artifact.Kind,
		Path:         artifact.Path,
		Size:         artifact.Size,
		Checksum:     sum,
		CreatedAt:    now,
		LastAccessed: now,
	}

	return l.put(meta)
}

// Touch updates the last-accessed time of an artifact's record.
func (l *Ledger) Touch(_ context.Context, identifier string, kind mediarelay.Kind) error {
	key := ledgerKey(identifier, kind)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(artifactsBucket)

		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		var meta ArtifactMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decoding ledger record: %w", err)
		}

		meta.LastAccessed = l.now()

		updated, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("encoding ledger record: %w", err)
		}
		return b.Put(key, updated)
	})
}

// Get returns the record for an artifact, or ErrNotFound.
func (l *Ledger) Get(_ context.Context, identifier string, kind mediarelay.Kind) (*ArtifactMetadata, error) {
	var meta *ArtifactMetadata

	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(artifactsBucket).Get(ledgerKey(identifier, kind))
		if data == nil {
			return ErrNotFound
		}

		meta = &ArtifactMetadata{}
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// Delete removes the record for an artifact.
func (l *Ledger) Delete(_ context.Context, identifier string, kind mediarelay.Kind) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Delete(ledgerKey(identifier, kind))
	})
}

// List returns every ledger record.
func (l *Ledger) List(_ context.Context) ([]*ArtifactMetadata, error) {
	var results []*ArtifactMetadata

	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).ForEach(func(_, v []byte) error {
			var meta ArtifactMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				// skip corrupt records rather than failing the scan
				return nil
			}
			results = append(results, &meta)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}

	return results, nil
}

// Stats summarizes the ledger for reporting.
type Stats struct {
	TotalArtifacts int64     `json:"total_artifacts"`
	TotalSize      int64     `json:"total_size"`
	OldestAccess   time.Time `json:"oldest_access,omitzero"`
	NewestAccess   time.Time `json:"newest_access,omitzero"`
}

// GetStats aggregates over all records.
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	artifacts, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, meta := range artifacts {
		stats.TotalArtifacts++
		stats.TotalSize += meta.Size

		if stats.OldestAccess.IsZero() || meta.LastAccessed.Before(stats.OldestAccess) {
			stats.OldestAccess = meta.LastAccessed
		}
		if meta.LastAccessed.After(stats.NewestAccess) {
			stats.NewestAccess = meta.LastAccessed
		}
	}

	return stats, nil
}

func (l *Ledger) put(meta *ArtifactMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put(ledgerKey(meta.Identifier, meta.Kind), data)
	})
}

func ledgerKey(identifier string, kind mediarelay.Kind) []byte {
	return fmt.Appendf(nil, "%s_%s", identifier, kind)
}
