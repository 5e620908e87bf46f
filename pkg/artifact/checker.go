// Copyright 2025 BioPassport Project
//
// Artifact Integrity Checker. Retrieves off-chain artifact bytes by CID,
// hashes them and compares against the on-chain artifact hash. Fail-closed:
// anything short of a byte-exact match of retrievable bytes is a failure.

package artifact

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/xaviwho/biopassport/pkg/registry"
)

// ErrNotFound is returned by a Store when no object exists under the key.
var ErrNotFound = errors.New("artifact not found")

// Store is the object-store contract the checker consumes. Implementations
// must return ErrNotFound for missing keys. No server-returned metadata is
// trusted; only the bytes are used.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Result classifies one artifact integrity check.
type Result int

const (
	// Valid means the retrieved bytes hash to the stored artifact hash.
	Valid Result = iota
	// Tampered means bytes were retrieved but their hash differs.
	Tampered
	// Unavailable means the artifact could not be retrieved. Under the
	// fail-closed policy this is a verification failure, never a pass.
	Unavailable
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "VALID"
	case Tampered:
		return "TAMPERED"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Checker verifies credential artifacts against a Store.
type Checker struct {
	store   Store
	timeout time.Duration
}

// NewChecker builds a Checker. A zero timeout disables the per-fetch
// deadline.
func NewChecker(store Store, timeout time.Duration) *Checker {
	return &Checker{store: store, timeout: timeout}
}

// Check fetches the credential's artifact and compares its SHA-256 to the
// stored hash in constant time. Retrieval errors and timeouts resolve to
// Unavailable.
func (c *Checker) Check(ctx context.Context, cred *registry.Credential) Result {
	if c.store == nil {
		return Unavailable
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	data, err := c.store.Get(ctx, cred.ArtifactCID)
	if err != nil {
		return Unavailable
	}
	sum := sha256.Sum256(data)
	if subtle.ConstantTimeCompare(sum[:], cred.ArtifactHash[:]) != 1 {
		return Tampered
	}
	return Valid
}
