package propsync

import (
	"context"
	"encoding/json"
	"fmt"

	"propsync/internal/model"
)

// MaxDocumentBytes is the per-document ceiling enforced by every remote
// backend.
const MaxDocumentBytes = 1 << 20

// NetworkController is the connection-management surface of a remote store,
// used by the HealthMonitor for probing and recovery.
type NetworkController interface {
	// EnableNetwork (re)connects to the store. It doubles as the
	// reachability check: a nil error means the store answered.
	EnableNetwork(ctx context.Context) error

	// DisableNetwork takes the client offline. Operations fail with
	// ErrUnavailable until EnableNetwork is called.
	DisableNetwork(ctx context.Context) error

	// RefreshCredentials discards cached credentials so the next request
	// re-authenticates.
	RefreshCredentials(ctx context.Context) error
}

// SnapshotFunc receives the full ordered contents of a collection.
type SnapshotFunc func(docs []model.WireEntity)

// RemoteStore is the authoritative document store. Documents are grouped in
// named collections and keyed by id.
type RemoteStore interface {
	NetworkController

	// List returns every document in the collection ordered by createdAt,
	// newest first.
	List(ctx context.Context, collection string) ([]model.WireEntity, error)

	// Get returns the document with the given id. found is false when the
	// document does not exist; that is not an error.
	Get(ctx context.Context, collection, id string) (doc model.WireEntity, found bool, err error)

	// Set writes the full document, replacing any existing one with the
	// same id. Documents larger than MaxDocumentBytes fail with
	// ErrDocumentTooLarge.
	Set(ctx context.Context, collection string, doc model.WireEntity) error

	// Update merges fields into an existing document using the field-path
	// rules of model.ApplyUpdates. A missing document yields ErrNotFound.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes the document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Listen opens a change feed on the collection. onSnapshot receives the
	// full ordered collection on every change, starting with the current
	// contents. onError is called at most once when the feed breaks; no
	// snapshots follow it. stop detaches the listener and is safe to call
	// more than once.
	Listen(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError func(error)) (stop func(), err error)

	// Close releases client resources.
	Close() error
}

// KeyValueStore is the capacity-bounded local store underneath LocalCache.
type KeyValueStore interface {
	// Get returns the stored value, or nil with a nil error when the key is
	// absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. Exceeding the store's capacity fails with
	// ErrQuotaExceeded and leaves the previous value in place.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}

// Sealer protects cache values at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Keyring manages the key material behind a Sealer.
type Keyring interface {
	// Setup performs one-time key generation, protecting the private key
	// with passphrase.
	Setup(passphrase string) error

	// Unlock decrypts the private key and returns a Sealer for the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (Sealer, error)

	// IsConfigured reports whether key material exists.
	IsConfigured() bool
}

// EncodeDocument marshals doc for a remote write and enforces
// MaxDocumentBytes.
func EncodeDocument(doc model.WireEntity) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	if len(data) > MaxDocumentBytes {
		return nil, fmt.Errorf("document %s is %d bytes: %w", doc.ID, len(data), ErrDocumentTooLarge)
	}
	return data, nil
}

// DecodeDocument is the inverse of EncodeDocument.
func DecodeDocument(data []byte) (model.WireEntity, error) {
	var doc model.WireEntity
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.WireEntity{}, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}
