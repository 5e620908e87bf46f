// Copyright 2025 BioPassport Project
//
// Artifact Integrity Checker Tests

package artifact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/registry"
)

func credFor(cid string, data []byte) *registry.Credential {
	return &registry.Credential{
		ID:           "cred:1",
		Type:         registry.CredentialQCMyco,
		ArtifactCID:  cid,
		ArtifactHash: common.Hash(canonical.HashBytes(data)),
	}
}

func TestCheck_Valid(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("qc report v1")
	store.Put("cid:1", data)

	c := NewChecker(store, time.Second)
	if got := c.Check(context.Background(), credFor("cid:1", data)); got != Valid {
		t.Errorf("expected Valid, got %v", got)
	}
}

func TestCheck_Tampered(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("qc report v1")
	store.Put("cid:1", []byte("qc report v2"))

	c := NewChecker(store, time.Second)
	if got := c.Check(context.Background(), credFor("cid:1", data)); got != Tampered {
		t.Errorf("expected Tampered, got %v", got)
	}
}

func TestCheck_Unavailable(t *testing.T) {
	c := NewChecker(NewMemoryStore(), time.Second)
	if got := c.Check(context.Background(), credFor("cid:missing", []byte("x"))); got != Unavailable {
		t.Errorf("expected Unavailable for missing key, got %v", got)
	}

	// A nil store is never trusted to pass.
	nilChecker := NewChecker(nil, time.Second)
	if got := nilChecker.Check(context.Background(), credFor("cid:1", []byte("x"))); got != Unavailable {
		t.Errorf("expected Unavailable for nil store, got %v", got)
	}
}

// slowStore blocks until its context is done.
type slowStore struct{}

func (slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCheck_TimeoutCountsAsUnavailable(t *testing.T) {
	c := NewChecker(slowStore{}, 10*time.Millisecond)
	start := time.Now()
	got := c.Check(context.Background(), credFor("cid:slow", []byte("x")))
	if got != Unavailable {
		t.Errorf("expected Unavailable on timeout, got %v", got)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout was not applied")
	}
}

func TestMemoryStore_DeleteAndIsolation(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("original")
	store.Put("k", data)

	got, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Mutating the returned slice must not corrupt the stored object.
	got[0] = 'X'
	again, _ := store.Get(context.Background(), "k")
	if string(again) != "original" {
		t.Errorf("store returned a shared slice")
	}

	store.Delete("k")
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestResult_String(t *testing.T) {
	if Valid.String() != "VALID" || Tampered.String() != "TAMPERED" || Unavailable.String() != "UNAVAILABLE" {
		t.Errorf("unexpected result strings: %s %s %s", Valid, Tampered, Unavailable)
	}
}
