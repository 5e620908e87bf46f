// Copyright 2025 BioPassport Project
//
// KV snapshot store. Committed registry state is written through to a
// key-value backend so a restarted process can rebuild the full in-memory
// state. The log is append-only by construction, so recovery is a plain
// re-read with no repair pass.

package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
)

// KV is the storage interface the registry persists through. A nil value for
// a missing key is expected, not an error.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// SnapshotStore is the registry's own KV backend, a CometBFT dbm.DB carrying
// the committed entities, history digests and recovery index laid out under
// the registry:* key prefixes below.
type SnapshotStore struct {
	db dbm.DB
}

// OpenSnapshotStore opens (or creates) the persistent snapshot backend under
// dir, backed by goleveldb.
func OpenSnapshotStore(dir string) (*SnapshotStore, error) {
	db, err := dbm.NewGoLevelDB("registry", dir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store in %s: %w", dir, err)
	}
	return &SnapshotStore{db: db}, nil
}

// NewMemSnapshotStore returns an in-memory backend for tests and ephemeral
// registries. Recovery works against it within one process lifetime.
func NewMemSnapshotStore() *SnapshotStore {
	return &SnapshotStore{db: dbm.NewMemDB()}
}

// Get implements KV. A missing key yields (nil, nil); the registry treats
// nil as "not present".
func (s *SnapshotStore) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Set implements KV. SetSync keeps the snapshot durable at commit time, so a
// crash after a receipt was returned never loses the committed operation.
func (s *SnapshotStore) Set(key, value []byte) error {
	return s.db.SetSync(key, value)
}

// Close closes the underlying DB. Close the registry first so the writer
// cannot race a write-through against the closed backend.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// ====== KV Key Layout ======

var (
	keyMeta          = []byte("registry:meta")   // -> storeMeta
	keyMaterialPref  = []byte("registry:mat:")   // + id -> Material
	keyCredentialPref = []byte("registry:cred:") // + id -> Credential
	keyTransferPref  = []byte("registry:xfer:")  // + id -> Transfer
	keyIssuerPref    = []byte("registry:issuer:") // + hex address -> IssuerPermission
	keyHistoryPref   = []byte("registry:hist:")  // + subject + ":" + big-endian index -> 32-byte digest
)

// storeMeta is the recovery index: entity IDs in insertion order plus the
// writer's counters and height.
type storeMeta struct {
	Height           uint64            `json:"height"`
	MaterialCounter  uint64            `json:"material_counter"`
	CredCounter      uint64            `json:"cred_counter"`
	TransferCounter  uint64            `json:"transfer_counter"`
	MaterialIDs      []string          `json:"material_ids"`
	CredentialIDs    []string          `json:"credential_ids"`
	TransferIDs      []string          `json:"transfer_ids"`
	IssuerAddresses  []string          `json:"issuer_addresses"`
	HistoryCounts    map[string]uint64 `json:"history_counts"`
}

func materialKey(id string) []byte   { return append(append([]byte{}, keyMaterialPref...), id...) }
func credentialKey(id string) []byte { return append(append([]byte{}, keyCredentialPref...), id...) }
func transferKey(id string) []byte   { return append(append([]byte{}, keyTransferPref...), id...) }
func issuerKey(addr common.Address) []byte {
	return append(append([]byte{}, keyIssuerPref...), addr.Hex()...)
}

func historyKey(subject string, index uint64) []byte {
	k := append(append([]byte{}, keyHistoryPref...), subject...)
	k = append(k, ':')
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(k, b...)
}

// ====== Write-through ======

func (r *Registry) persistJSON(key []byte, v interface{}) error {
	if r.kv == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", key, err)
	}
	if err := r.kv.Set(key, b); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// persistHistoryTail writes the newest entry of the subject's stream.
// Caller holds the write lock.
func (r *Registry) persistHistoryTail(subject string) error {
	if r.kv == nil {
		return nil
	}
	entries := r.history[subject]
	if len(entries) == 0 {
		return nil
	}
	idx := uint64(len(entries) - 1)
	if err := r.kv.Set(historyKey(subject, idx), entries[idx].Bytes()); err != nil {
		return fmt.Errorf("kv set history %s[%d]: %w", subject, idx, err)
	}
	return nil
}

// persistMeta snapshots the recovery index. Caller holds the write lock.
func (r *Registry) persistMeta() error {
	if r.kv == nil {
		return nil
	}
	meta := storeMeta{
		Height:          r.height,
		MaterialCounter: r.ids.materials,
		CredCounter:     r.ids.credentials,
		TransferCounter: r.ids.transfers,
		MaterialIDs:     r.materialOrder,
		CredentialIDs:   r.credentialOrder,
		TransferIDs:     r.transferOrder,
		HistoryCounts:   make(map[string]uint64, len(r.history)),
	}
	for addr := range r.issuers {
		meta.IssuerAddresses = append(meta.IssuerAddresses, addr.Hex())
	}
	for subject, entries := range r.history {
		meta.HistoryCounts[subject] = uint64(len(entries))
	}
	return r.persistJSON(keyMeta, &meta)
}

// ====== Recovery ======

// load rebuilds the in-memory state from the KV backend. Called once from New
// before the writer starts.
func (r *Registry) load() error {
	if r.kv == nil {
		return nil
	}
	raw, err := r.kv.Get(keyMeta)
	if err != nil {
		return fmt.Errorf("kv get meta: %w", err)
	}
	if raw == nil {
		return nil // fresh store
	}
	var meta storeMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("unmarshal meta: %w", err)
	}

	r.height = meta.Height
	r.ids.materials = meta.MaterialCounter
	r.ids.credentials = meta.CredCounter
	r.ids.transfers = meta.TransferCounter

	for _, id := range meta.MaterialIDs {
		var m Material
		if err := r.loadJSON(materialKey(id), &m); err != nil {
			return err
		}
		r.materials[id] = &m
		r.materialOrder = append(r.materialOrder, id)
	}
	for _, id := range meta.CredentialIDs {
		var c Credential
		if err := r.loadJSON(credentialKey(id), &c); err != nil {
			return err
		}
		r.credentials[id] = &c
		r.credentialOrder = append(r.credentialOrder, id)
		r.credsByMaterial[c.MaterialID] = append(r.credsByMaterial[c.MaterialID], id)
	}
	for _, id := range meta.TransferIDs {
		var x Transfer
		if err := r.loadJSON(transferKey(id), &x); err != nil {
			return err
		}
		r.transfers[id] = &x
		r.transferOrder = append(r.transferOrder, id)
		r.transfersByMaterial[x.MaterialID] = append(r.transfersByMaterial[x.MaterialID], id)
	}
	for _, hexAddr := range meta.IssuerAddresses {
		addr := common.HexToAddress(hexAddr)
		var p IssuerPermission
		if err := r.loadJSON(issuerKey(addr), &p); err != nil {
			return err
		}
		r.issuers[addr] = &p
	}
	for subject, count := range meta.HistoryCounts {
		entries := make([]common.Hash, 0, count)
		for i := uint64(0); i < count; i++ {
			b, err := r.kv.Get(historyKey(subject, i))
			if err != nil {
				return fmt.Errorf("kv get history %s[%d]: %w", subject, i, err)
			}
			if b == nil {
				return fmt.Errorf("history %s[%d] missing from store", subject, i)
			}
			entries = append(entries, common.BytesToHash(b))
		}
		r.history[subject] = entries
	}
	return nil
}

func (r *Registry) loadJSON(key []byte, v interface{}) error {
	raw, err := r.kv.Get(key)
	if err != nil {
		return fmt.Errorf("kv get %s: %w", key, err)
	}
	if raw == nil {
		return fmt.Errorf("key %s missing from store", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
