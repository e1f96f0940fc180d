// Package storage abstracts the flat object store shared by every instance.
//
// Nothing here offers transactions. The strongest primitive is
// CreateIfAbsent, which the rankings lock is built on.
package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: object not found")
	// ErrConditionalWriteUnsupported is returned when a target rejects
	// create-if-absent outright (S3 answering 501 to If-None-Match).
	ErrConditionalWriteUnsupported = errors.New("storage: conditional write unsupported")
	ErrInvalidKey                  = errors.New("storage: invalid key")
)

// Object is a stored value together with its version and modification time.
type Object struct {
	Key        string
	Data       []byte
	Version    string
	ModifiedAt time.Time
}

// ObjectInfo is what List returns; Version may be empty when a backend
// cannot produce it without reading the body.
type ObjectInfo struct {
	Key        string
	Version    string
	ModifiedAt time.Time
}

// KVStore is the surface used for the lock and the generation marker.
type KVStore interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte) error
	// CreateIfAbsent writes data only if key does not exist. It reports
	// whether this call created the object.
	CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	// Delete removes key. A non-empty ifVersion makes the delete conditional;
	// the result reports whether an object was removed.
	Delete(ctx context.Context, key string, ifVersion string) (bool, error)
}

// BlobStore adds prefix listing, which the match store needs.
type BlobStore interface {
	KVStore
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ContentVersion is the version string used by backends without native ETags.
func ContentVersion(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
