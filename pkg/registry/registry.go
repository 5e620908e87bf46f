// Copyright 2025 BioPassport Project
//
// Registry state machine. Owns all mutable state over materials, credentials,
// transfers, issuer permissions and per-material history. Writes are totally
// ordered through the single-writer queue; reads run concurrently against the
// committed snapshot.
//
// Domain failures are atomic: every check runs before the first mutation, so
// a failed operation leaves no partial state and appends no history. A KV
// write-through failure after the in-memory commit surfaces as ErrTransport;
// the store is rebuilt from the last consistent snapshot on restart.

package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

// Registry is the authoritative state over all tracked entities. Construct
// with New; Close stops the writer.
type Registry struct {
	clk     clock.Clock
	admin   common.Address
	kv      KV
	metrics *Metrics

	mu                  sync.RWMutex
	height              uint64
	ids                 minter
	materials           map[string]*Material
	materialOrder       []string
	credentials         map[string]*Credential
	credentialOrder     []string
	credsByMaterial     map[string][]string
	transfers           map[string]*Transfer
	transferOrder       []string
	transfersByMaterial map[string][]string
	issuers             map[common.Address]*IssuerPermission
	history             map[string][]common.Hash

	writes     chan writeOp
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Options configures a Registry.
type Options struct {
	// Admin is the address allowed to manage issuers and force status changes.
	Admin common.Address
	// Clock supplies timestamps; defaults to the system clock.
	Clock clock.Clock
	// KV enables write-through persistence when non-nil.
	KV KV
	// Metrics enables Prometheus collection when non-nil.
	Metrics *Metrics
	// QueueDepth bounds the write queue; defaults to 256.
	QueueDepth int
}

// New builds a Registry, rebuilding state from the KV backend when one is
// configured, and starts the writer.
func New(opts Options) (*Registry, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	r := &Registry{
		clk:                 clk,
		admin:               opts.Admin,
		kv:                  opts.KV,
		metrics:             opts.Metrics,
		materials:           make(map[string]*Material),
		credentials:         make(map[string]*Credential),
		credsByMaterial:     make(map[string][]string),
		transfers:           make(map[string]*Transfer),
		transfersByMaterial: make(map[string][]string),
		issuers:             make(map[common.Address]*IssuerPermission),
		history:             make(map[string][]common.Hash),
		writes:              make(chan writeOp, depth),
		quit:                make(chan struct{}),
		writerDone:          make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("rebuild registry state: %w", err)
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r, nil
}

// Close stops the writer. Pending admitted writes run to completion.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}

// Admin returns the admin address.
func (r *Registry) Admin() common.Address { return r.admin }

// Height returns the current commit-log height.
func (r *Registry) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.height
}

// now returns the registry's current Unix timestamp.
func (r *Registry) now() int64 { return r.clk.Now().Unix() }

// commit finalizes a mutation: appends the history entry, advances the
// height, persists the tail and index, and builds the receipt. Caller holds
// the write lock and has already persisted the touched entities.
func (r *Registry) commit(subject, event string, actor common.Address, fields map[string]interface{}, timestamp int64, logs ...string) (*Receipt, error) {
	r.appendHistory(subject, event, actor, fields, timestamp)
	r.height++
	if err := r.persistHistoryTail(subject); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := r.persistMeta(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &Receipt{
		TxID:        uuid.NewString(),
		BlockHeight: r.height,
		Success:     true,
		Logs:        logs,
	}, nil
}

// ====== Issuer Administration ======

// AuthorizeIssuer grants capability flags to an issuer and clears any
// revocation. Admin only; idempotent in content.
func (r *Registry) AuthorizeIssuer(ctx context.Context, caller, issuer common.Address, canIdentity, canQC, canUsage bool) (*Receipt, error) {
	return r.submit(ctx, "authorize_issuer", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if caller != r.admin {
			return nil, ErrNotAdmin
		}
		now := r.now()
		p := &IssuerPermission{
			Address:          issuer,
			IsApproved:       true,
			CanIssueIdentity: canIdentity,
			CanIssueQC:       canQC,
			CanIssueUsage:    canUsage,
			RevokedAt:        0,
		}
		r.issuers[issuer] = p
		if err := r.persistJSON(issuerKey(issuer), p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(IssuerHistorySubject, EventAuthorizeIssuer, caller, map[string]interface{}{
			"issuer":       issuer.Hex(),
			"can_identity": canIdentity,
			"can_qc":       canQC,
			"can_usage":    canUsage,
		}, now, fmt.Sprintf("issuer %s authorized", issuer.Hex()))
	})
}

// RevokeIssuer marks an issuer revoked as of now. Credentials issued strictly
// before the revocation timestamp remain valid; no new credentials may be
// issued by this issuer afterwards. Admin only.
func (r *Registry) RevokeIssuer(ctx context.Context, caller, issuer common.Address) (*Receipt, error) {
	return r.submit(ctx, "revoke_issuer", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if caller != r.admin {
			return nil, ErrNotAdmin
		}
		p, ok := r.issuers[issuer]
		if !ok {
			return nil, ErrIssuerNotFound
		}
		now := r.now()
		p.IsApproved = false
		p.RevokedAt = now
		if err := r.persistJSON(issuerKey(issuer), p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(IssuerHistorySubject, EventRevokeIssuer, caller, map[string]interface{}{
			"issuer": issuer.Hex(),
		}, now, fmt.Sprintf("issuer %s revoked", issuer.Hex()))
	})
}

// ====== Materials ======

// RegisterMaterial mints a new material owned by the caller.
func (r *Registry) RegisterMaterial(ctx context.Context, caller common.Address, materialType MaterialType, metadataHash common.Hash, ownerOrg string) (string, *Receipt, error) {
	var id string
	rcpt, err := r.submit(ctx, "register_material", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if !materialType.Valid() {
			return nil, ErrInvalidMaterialType
		}
		if metadataHash == (common.Hash{}) {
			return nil, ErrInvalidCommitmentHash
		}
		now := r.now()
		id = r.ids.nextMaterialID(materialType)
		if _, exists := r.materials[id]; exists {
			return nil, ErrIDCollision
		}
		m := &Material{
			ID:           id,
			Type:         materialType,
			MetadataHash: metadataHash,
			OwnerAddress: caller,
			OwnerOrg:     ownerOrg,
			Status:       StatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		r.materials[id] = m
		r.materialOrder = append(r.materialOrder, id)
		if err := r.persistJSON(materialKey(id), m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(id, EventRegisterMaterial, caller, map[string]interface{}{
			"material_id":   id,
			"material_type": string(materialType),
			"metadata_hash": metadataHash.Hex(),
			"owner_org":     ownerOrg,
		}, now, fmt.Sprintf("material %s registered", id))
	})
	if err != nil {
		return "", nil, err
	}
	return id, rcpt, nil
}

// ====== Credentials ======

// IssueCredential admits a credential for an existing material. The caller
// must be an approved, non-revoked issuer holding the capability for the
// requested credential type.
func (r *Registry) IssueCredential(ctx context.Context, caller common.Address, p IssueParams) (string, *Receipt, error) {
	var id string
	rcpt, err := r.submit(ctx, "issue_credential", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		perm, ok := r.issuers[caller]
		if !ok || !perm.IsApproved {
			if ok && perm.RevokedAt != 0 {
				return nil, ErrIssuerRevoked
			}
			return nil, ErrNotApprovedIssuer
		}
		if perm.RevokedAt != 0 {
			return nil, ErrIssuerRevoked
		}
		if !p.Type.Valid() {
			return nil, ErrInvalidCredentialType
		}
		if !perm.canIssue(p.Type) {
			return nil, ErrNotAuthorizedForCredentialType
		}
		mat, ok := r.materials[p.MaterialID]
		if !ok {
			return nil, ErrMaterialNotFound
		}
		if p.CommitmentHash == (common.Hash{}) {
			return nil, ErrInvalidCommitmentHash
		}
		if p.ArtifactHash == (common.Hash{}) {
			return nil, ErrInvalidArtifactHash
		}
		now := r.now()
		// Admission order defines issuance order: issued_at is clamped to be
		// monotone per material so "latest" always means last admitted.
		issuedAt := now
		if ids := r.credsByMaterial[p.MaterialID]; len(ids) > 0 {
			if last := r.credentials[ids[len(ids)-1]].IssuedAt; issuedAt < last {
				issuedAt = last
			}
		}
		if p.ValidUntil != 0 && p.ValidUntil <= issuedAt {
			return nil, ErrInvalidValidUntil
		}

		id = r.ids.nextCredentialID()
		if _, exists := r.credentials[id]; exists {
			return nil, ErrIDCollision
		}
		c := &Credential{
			ID:             id,
			MaterialID:     mat.ID,
			Type:           p.Type,
			CommitmentHash: p.CommitmentHash,
			IssuerAddress:  caller,
			IssuerOrg:      p.IssuerOrg,
			IssuedAt:       issuedAt,
			ValidUntil:     p.ValidUntil,
			ArtifactCID:    p.ArtifactCID,
			ArtifactHash:   p.ArtifactHash,
			SignatureRef:   p.SignatureRef,
		}
		r.credentials[id] = c
		r.credentialOrder = append(r.credentialOrder, id)
		r.credsByMaterial[mat.ID] = append(r.credsByMaterial[mat.ID], id)
		if err := r.persistJSON(credentialKey(id), c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(mat.ID, EventIssueCredential, caller, map[string]interface{}{
			"credential_id":   id,
			"credential_type": string(p.Type),
			"commitment_hash": p.CommitmentHash.Hex(),
			"artifact_hash":   p.ArtifactHash.Hex(),
			"valid_until":     p.ValidUntil,
		}, issuedAt, fmt.Sprintf("credential %s issued on %s", id, mat.ID))
	})
	if err != nil {
		return "", nil, err
	}
	return id, rcpt, nil
}

// RevokeCredential revokes a credential. Only the original issuer or the
// admin may revoke; a second revocation fails.
func (r *Registry) RevokeCredential(ctx context.Context, caller common.Address, credentialID string) (*Receipt, error) {
	return r.submit(ctx, "revoke_credential", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		c, ok := r.credentials[credentialID]
		if !ok {
			return nil, ErrCredentialNotFound
		}
		if caller != c.IssuerAddress && caller != r.admin {
			return nil, fmt.Errorf("%w: only issuer or admin may revoke", ErrAuthorization)
		}
		if c.Revoked {
			return nil, ErrCredentialAlreadyRevoked
		}
		now := r.now()
		c.Revoked = true
		if err := r.persistJSON(credentialKey(credentialID), c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(c.MaterialID, EventRevokeCredential, caller, map[string]interface{}{
			"credential_id": credentialID,
		}, now, fmt.Sprintf("credential %s revoked", credentialID))
	})
}

// ====== Status Transitions ======

// SetStatusByOwner lets the material owner move between ACTIVE and
// QUARANTINED. REVOKED is never reachable through this entry point.
func (r *Registry) SetStatusByOwner(ctx context.Context, caller common.Address, materialID string, newStatus MaterialStatus, reasonHash common.Hash) (*Receipt, error) {
	return r.submit(ctx, "set_status_by_owner", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		m, ok := r.materials[materialID]
		if !ok {
			return nil, ErrMaterialNotFound
		}
		if caller != m.OwnerAddress {
			return nil, ErrNotOwner
		}
		if newStatus == StatusRevoked {
			return nil, ErrNotAuthorizedForStatus
		}
		if !newStatus.Valid() {
			return nil, ErrInvalidStatus
		}
		if m.Status == StatusRevoked {
			return nil, ErrMaterialTerminal
		}
		return r.applyStatus(m, caller, newStatus, reasonHash)
	})
}

// SetStatusByAuthority lets the admin, or a currently approved non-revoked
// QC-capable issuer, set any status including REVOKED.
func (r *Registry) SetStatusByAuthority(ctx context.Context, caller common.Address, materialID string, newStatus MaterialStatus, reasonHash common.Hash) (*Receipt, error) {
	return r.submit(ctx, "set_status_by_authority", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		m, ok := r.materials[materialID]
		if !ok {
			return nil, ErrMaterialNotFound
		}
		if !r.isAuthority(caller) {
			return nil, fmt.Errorf("%w: admin or QC-capable issuer required", ErrAuthorization)
		}
		if !newStatus.Valid() {
			return nil, ErrInvalidStatus
		}
		if m.Status == StatusRevoked {
			return nil, ErrMaterialTerminal
		}
		return r.applyStatus(m, caller, newStatus, reasonHash)
	})
}

// isAuthority reports whether the caller may force status changes. Caller
// holds a lock.
func (r *Registry) isAuthority(caller common.Address) bool {
	if caller == r.admin {
		return true
	}
	p, ok := r.issuers[caller]
	return ok && p.IsApproved && p.RevokedAt == 0 && p.CanIssueQC
}

// applyStatus commits a status transition. Caller holds the write lock and
// has already authorized the transition.
func (r *Registry) applyStatus(m *Material, caller common.Address, newStatus MaterialStatus, reasonHash common.Hash) (*Receipt, error) {
	now := r.now()
	m.Status = newStatus
	m.UpdatedAt = now
	if err := r.persistJSON(materialKey(m.ID), m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return r.commit(m.ID, EventSetStatus, caller, map[string]interface{}{
		"material_id": m.ID,
		"status":      string(newStatus),
		"reason_hash": reasonHash.Hex(),
	}, now, fmt.Sprintf("material %s status set to %s", m.ID, newStatus))
}

// ====== Transfers ======

// InitiateTransfer opens a custody handoff. The caller must own the material,
// the material must be ACTIVE, and no other transfer may be pending.
func (r *Registry) InitiateTransfer(ctx context.Context, caller common.Address, materialID string, to common.Address, toOrg string, shipmentHash common.Hash) (string, *Receipt, error) {
	var id string
	rcpt, err := r.submit(ctx, "initiate_transfer", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		m, ok := r.materials[materialID]
		if !ok {
			return nil, ErrMaterialNotFound
		}
		if caller != m.OwnerAddress {
			return nil, ErrNotOwner
		}
		if m.Status != StatusActive {
			return nil, ErrMaterialNotActive
		}
		if ids := r.transfersByMaterial[materialID]; len(ids) > 0 {
			if last := r.transfers[ids[len(ids)-1]]; !last.Accepted {
				return nil, ErrPendingTransferExists
			}
		}
		now := r.now()
		id = r.ids.nextTransferID()
		if _, exists := r.transfers[id]; exists {
			return nil, ErrIDCollision
		}
		x := &Transfer{
			ID:           id,
			MaterialID:   materialID,
			FromAddress:  m.OwnerAddress,
			FromOrg:      m.OwnerOrg,
			ToAddress:    to,
			ToOrg:        toOrg,
			ShipmentHash: shipmentHash,
			Timestamp:    now,
		}
		r.transfers[id] = x
		r.transferOrder = append(r.transferOrder, id)
		r.transfersByMaterial[materialID] = append(r.transfersByMaterial[materialID], id)
		if err := r.persistJSON(transferKey(id), x); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(materialID, EventInitiateTransfer, caller, map[string]interface{}{
			"transfer_id":   id,
			"to":            to.Hex(),
			"to_org":        toOrg,
			"shipment_hash": shipmentHash.Hex(),
		}, now, fmt.Sprintf("transfer %s initiated on %s", id, materialID))
	})
	if err != nil {
		return "", nil, err
	}
	return id, rcpt, nil
}

// AcceptTransfer completes the latest pending transfer on a material. The
// caller must be the transfer recipient; ownership moves on success.
func (r *Registry) AcceptTransfer(ctx context.Context, caller common.Address, materialID string) (*Receipt, error) {
	return r.submit(ctx, "accept_transfer", func() (*Receipt, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		m, ok := r.materials[materialID]
		if !ok {
			return nil, ErrMaterialNotFound
		}
		ids := r.transfersByMaterial[materialID]
		if len(ids) == 0 {
			return nil, ErrNoPendingTransfer
		}
		x := r.transfers[ids[len(ids)-1]]
		if x.Accepted {
			return nil, ErrNoPendingTransfer
		}
		if caller != x.ToAddress {
			return nil, ErrNotTransferRecipient
		}
		now := r.now()
		x.Accepted = true
		m.OwnerAddress = x.ToAddress
		m.OwnerOrg = x.ToOrg
		m.UpdatedAt = now
		if err := r.persistJSON(transferKey(x.ID), x); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if err := r.persistJSON(materialKey(m.ID), m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return r.commit(materialID, EventAcceptTransfer, caller, map[string]interface{}{
			"transfer_id": x.ID,
		}, now, fmt.Sprintf("transfer %s accepted on %s", x.ID, materialID))
	})
}

// ====== Reads ======

// GetMaterial returns a copy of the material.
func (r *Registry) GetMaterial(id string) (*Material, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.materials[id]
	if !ok {
		return nil, ErrMaterialNotFound
	}
	cp := *m
	return &cp, nil
}

// GetCredential returns a copy of the credential.
func (r *Registry) GetCredential(id string) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

// GetCredentials returns the material's credentials in insertion order.
func (r *Registry) GetCredentials(materialID string) ([]*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.materials[materialID]; !ok {
		return nil, ErrMaterialNotFound
	}
	ids := r.credsByMaterial[materialID]
	out := make([]*Credential, 0, len(ids))
	for _, id := range ids {
		cp := *r.credentials[id]
		out = append(out, &cp)
	}
	return out, nil
}

// GetTransfers returns the material's transfers in insertion order.
func (r *Registry) GetTransfers(materialID string) ([]*Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.materials[materialID]; !ok {
		return nil, ErrMaterialNotFound
	}
	ids := r.transfersByMaterial[materialID]
	out := make([]*Transfer, 0, len(ids))
	for _, id := range ids {
		cp := *r.transfers[id]
		out = append(out, &cp)
	}
	return out, nil
}

// GetIssuer returns a copy of the issuer permission record.
func (r *Registry) GetIssuer(addr common.Address) (*IssuerPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.issuers[addr]
	if !ok {
		return nil, ErrIssuerNotFound
	}
	cp := *p
	return &cp, nil
}

// MaterialState is a consistent point-in-time view of one material and every
// entity a verification touches.
type MaterialState struct {
	Material    *Material
	Credentials []*Credential
	Transfers   []*Transfer
	// Issuers maps the issuer of each credential to its current permission
	// record, if one exists.
	Issuers map[common.Address]*IssuerPermission
}

// GetMaterialState returns the material together with its credentials,
// transfers and referenced issuer permissions under one read lock, so
// verifiers observe a consistent committed snapshot.
func (r *Registry) GetMaterialState(materialID string) (*MaterialState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.materials[materialID]
	if !ok {
		return nil, ErrMaterialNotFound
	}
	st := &MaterialState{
		Issuers: make(map[common.Address]*IssuerPermission),
	}
	mat := *m
	st.Material = &mat
	for _, id := range r.credsByMaterial[materialID] {
		cp := *r.credentials[id]
		st.Credentials = append(st.Credentials, &cp)
		if p, ok := r.issuers[cp.IssuerAddress]; ok {
			pc := *p
			st.Issuers[cp.IssuerAddress] = &pc
		}
	}
	for _, id := range r.transfersByMaterial[materialID] {
		cp := *r.transfers[id]
		st.Transfers = append(st.Transfers, &cp)
	}
	return st, nil
}

// MaterialIDs returns all material IDs in registration order.
func (r *Registry) MaterialIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.materialOrder))
	copy(out, r.materialOrder)
	return out
}

// GetHistoryCount returns the length of the subject's history stream.
func (r *Registry) GetHistoryCount(subject string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.historySubjectExists(subject) {
		return 0, ErrMaterialNotFound
	}
	return len(r.history[subject]), nil
}

// GetHistoryAt returns one history digest by index.
func (r *Registry) GetHistoryAt(subject string, i int) (common.Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.historySubjectExists(subject) {
		return common.Hash{}, ErrMaterialNotFound
	}
	entries := r.history[subject]
	if i < 0 || i >= len(entries) {
		return common.Hash{}, ErrHistoryOutOfRange
	}
	return entries[i], nil
}

// GetHistorySlice returns up to limit digests starting at offset.
func (r *Registry) GetHistorySlice(subject string, offset, limit int) ([]common.Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.historySubjectExists(subject) {
		return nil, ErrMaterialNotFound
	}
	if offset < 0 || limit < 0 {
		return nil, ErrInvalidPagination
	}
	entries := r.history[subject]
	if offset >= len(entries) {
		return []common.Hash{}, nil
	}
	end := offset + limit
	if limit == 0 || end > len(entries) {
		end = len(entries)
	}
	out := make([]common.Hash, end-offset)
	copy(out, entries[offset:end])
	return out, nil
}

// GetHistory returns the full history stream.
//
// Deprecated: unpaginated reads do not scale; use GetHistorySlice.
func (r *Registry) GetHistory(subject string) ([]common.Hash, error) {
	return r.GetHistorySlice(subject, 0, 0)
}
