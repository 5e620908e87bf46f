// Copyright 2025 BioPassport Project
//
// Registry entity types: materials, credentials, transfers, issuer permissions
// and operation receipts. All cross-entity links go by ID; no entity holds an
// owning reference to another.

package registry

import (
	"github.com/ethereum/go-ethereum/common"
)

// MaterialType is the closed vocabulary of tracked material kinds.
type MaterialType string

const (
	MaterialCellLine MaterialType = "CELL_LINE"
	MaterialPlasmid  MaterialType = "PLASMID"
)

// Valid reports whether t is a known material type.
func (t MaterialType) Valid() bool {
	return t == MaterialCellLine || t == MaterialPlasmid
}

// kindSlug returns the identifier segment for this material type,
// e.g. "cell_line" in "bio:cell_line:7".
func (t MaterialType) kindSlug() string {
	switch t {
	case MaterialCellLine:
		return "cell_line"
	case MaterialPlasmid:
		return "plasmid"
	default:
		return ""
	}
}

// MaterialStatus is the lifecycle status of a material. REVOKED is terminal.
type MaterialStatus string

const (
	StatusActive      MaterialStatus = "ACTIVE"
	StatusQuarantined MaterialStatus = "QUARANTINED"
	StatusRevoked     MaterialStatus = "REVOKED"
)

// Valid reports whether s is a known status.
func (s MaterialStatus) Valid() bool {
	return s == StatusActive || s == StatusQuarantined || s == StatusRevoked
}

// CredentialType is the closed vocabulary of credential kinds.
type CredentialType string

const (
	CredentialIdentity    CredentialType = "IDENTITY"
	CredentialQCMyco      CredentialType = "QC_MYCO"
	CredentialUsageRights CredentialType = "USAGE_RIGHTS"
)

// Valid reports whether t is a known credential type.
func (t CredentialType) Valid() bool {
	return t == CredentialIdentity || t == CredentialQCMyco || t == CredentialUsageRights
}

// Material is a tracked biological specimen. Created by registration; mutated
// only by status transitions and transfer acceptance; never destroyed.
type Material struct {
	ID           string         `json:"id"`
	Type         MaterialType   `json:"material_type"`
	MetadataHash common.Hash    `json:"metadata_hash"`
	OwnerAddress common.Address `json:"owner_address"`
	OwnerOrg     string         `json:"owner_org"`
	Status       MaterialStatus `json:"status"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Credential is an attested statement about a material. Append-only; Revoked
// may transition false to true exactly once.
type Credential struct {
	ID             string         `json:"id"`
	MaterialID     string         `json:"material_id"`
	Type           CredentialType `json:"credential_type"`
	CommitmentHash common.Hash    `json:"commitment_hash"`
	IssuerAddress  common.Address `json:"issuer_address"`
	IssuerOrg      string         `json:"issuer_org"`
	IssuedAt       int64          `json:"issued_at"`
	// ValidUntil is seconds since the Unix epoch; 0 means no expiry.
	ValidUntil   int64       `json:"valid_until"`
	ArtifactCID  string      `json:"artifact_cid"`
	ArtifactHash common.Hash `json:"artifact_hash"`
	// SignatureRef is the hex-encoded issuer signature over the canonical
	// payload. Stored as an opaque reference; verified off-chain.
	SignatureRef string `json:"signature_ref,omitempty"`
	Revoked      bool   `json:"revoked"`
}

// Transfer is a custody handoff between organizations. Append-only; Accepted
// transitions false to true exactly once.
type Transfer struct {
	ID           string         `json:"id"`
	MaterialID   string         `json:"material_id"`
	FromAddress  common.Address `json:"from_address"`
	FromOrg      string         `json:"from_org"`
	ToAddress    common.Address `json:"to_address"`
	ToOrg        string         `json:"to_org"`
	ShipmentHash common.Hash    `json:"shipment_hash"`
	Timestamp    int64          `json:"timestamp"`
	Accepted     bool           `json:"accepted"`
}

// IssuerPermission holds approval state and capability flags for one issuer.
type IssuerPermission struct {
	Address           common.Address `json:"address"`
	IsApproved        bool           `json:"is_approved"`
	CanIssueIdentity  bool           `json:"can_issue_identity"`
	CanIssueQC        bool           `json:"can_issue_qc"`
	CanIssueUsage     bool           `json:"can_issue_usage_rights"`
	// RevokedAt is 0 while the issuer is not revoked.
	RevokedAt int64 `json:"revoked_at"`
}

// canIssue reports whether the permission covers the given credential type.
func (p *IssuerPermission) canIssue(t CredentialType) bool {
	switch t {
	case CredentialIdentity:
		return p.CanIssueIdentity
	case CredentialQCMyco:
		return p.CanIssueQC
	case CredentialUsageRights:
		return p.CanIssueUsage
	default:
		return false
	}
}

// Receipt is returned by every state-changing operation. BlockHeight is the
// position of the operation in the serial commit log and is always > 0 for a
// committed operation; consumers use it as the finality marker.
type Receipt struct {
	TxID        string   `json:"tx_id"`
	BlockHeight uint64   `json:"block_height"`
	Success     bool     `json:"success"`
	Logs        []string `json:"logs"`
}

// IssueParams carries the arguments of a credential issuance.
type IssueParams struct {
	MaterialID     string
	Type           CredentialType
	CommitmentHash common.Hash
	ValidUntil     int64
	ArtifactCID    string
	ArtifactHash   common.Hash
	IssuerOrg      string
	SignatureRef   string
}
