// Copyright 2025 BioPassport Project
//
// Workload Generator. Produces deterministic labelled datasets for the
// evaluation harness. Ground-truth labels are derived from the realized
// state of each generated material, never from the nominal injection rates,
// so downstream confusion-matrix statistics are exact.

package workload

import (
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/registry"
)

// AnomalyClass labels one injected anomaly.
type AnomalyClass string

const (
	AnomalyRevoked          AnomalyClass = "REVOKED"
	AnomalyQuarantined      AnomalyClass = "QUARANTINED"
	AnomalyMissingQC        AnomalyClass = "MISSING_QC"
	AnomalyExpiredQC        AnomalyClass = "EXPIRED_QC"
	AnomalyTamperedArtifact AnomalyClass = "TAMPERED_ARTIFACT"
	AnomalyPendingTransfer  AnomalyClass = "PENDING_TRANSFER"
)

// Classes lists every anomaly class in a fixed reporting order.
var Classes = []AnomalyClass{
	AnomalyRevoked,
	AnomalyQuarantined,
	AnomalyMissingQC,
	AnomalyExpiredQC,
	AnomalyTamperedArtifact,
	AnomalyPendingTransfer,
}

// OnChainDetectable reports whether the on-chain predicate alone can flag the
// class. Artifact tampering is only visible to a full verification.
func (c AnomalyClass) OnChainDetectable() bool {
	return c != AnomalyTamperedArtifact
}

// Weights are the per-material primary anomaly probabilities. A material
// draws exactly one primary outcome; artifact tampering is rolled
// independently on top.
type Weights struct {
	None            float64 `yaml:"none"`
	Revoked         float64 `yaml:"revoked"`
	Quarantined     float64 `yaml:"quarantined"`
	MissingQC       float64 `yaml:"missing_qc"`
	ExpiredQC       float64 `yaml:"expired_qc"`
	PendingTransfer float64 `yaml:"pending_transfer"`
}

// Config describes one dataset preset.
type Config struct {
	Name             string  `yaml:"name"`
	Seed             int64   `yaml:"seed"`
	MaterialCount    int     `yaml:"material_count"`
	CellLineFraction float64 `yaml:"cell_line_fraction"`
	QCValidityDays   int     `yaml:"qc_validity_days"`
	TamperRate       float64 `yaml:"tamper_rate"`
	Weights          Weights `yaml:"weights"`
}

// Preset names.
const (
	PresetNormal      = "normal"
	PresetDrift       = "drift"
	PresetAdversarial = "adversarial"
)

// Preset returns one of the three built-in dataset configurations.
func Preset(name string) (Config, error) {
	switch name {
	case PresetNormal:
		return Config{
			Name: PresetNormal, Seed: 101, MaterialCount: 500,
			CellLineFraction: 0.7, QCValidityDays: 90, TamperRate: 0.02,
			Weights: Weights{None: 0.88, Revoked: 0.02, Quarantined: 0.02, MissingQC: 0.02, ExpiredQC: 0.02, PendingTransfer: 0.04},
		}, nil
	case PresetDrift:
		return Config{
			Name: PresetDrift, Seed: 202, MaterialCount: 500,
			CellLineFraction: 0.6, QCValidityDays: 45, TamperRate: 0.06,
			Weights: Weights{None: 0.60, Revoked: 0.04, Quarantined: 0.06, MissingQC: 0.08, ExpiredQC: 0.14, PendingTransfer: 0.08},
		}, nil
	case PresetAdversarial:
		return Config{
			Name: PresetAdversarial, Seed: 303, MaterialCount: 500,
			CellLineFraction: 0.5, QCValidityDays: 30, TamperRate: 0.30,
			Weights: Weights{None: 0.20, Revoked: 0.10, Quarantined: 0.10, MissingQC: 0.14, ExpiredQC: 0.16, PendingTransfer: 0.18},
		}, nil
	default:
		return Config{}, fmt.Errorf("unknown preset %q", name)
	}
}

// CredentialSpec is one credential to issue during materialization.
type CredentialSpec struct {
	Type       registry.CredentialType `json:"credential_type"`
	Payload    map[string]interface{}  `json:"payload"`
	Commitment common.Hash             `json:"commitment_hash"`
	IssuedAt   int64                   `json:"issued_at"`
	ValidUntil int64                   `json:"valid_until"`
	// ArtifactBytes are the bytes the recorded artifact hash was computed
	// over. StoredBytes are what the object store actually serves; they
	// differ exactly when Tampered is set.
	ArtifactBytes []byte      `json:"-"`
	StoredBytes   []byte      `json:"-"`
	ArtifactCID   string      `json:"artifact_cid"`
	ArtifactHash  common.Hash `json:"artifact_hash"`
	Tampered      bool        `json:"tampered"`
}

// MaterialSpec is one generated material with its realized anomalies.
type MaterialSpec struct {
	Index        int                     `json:"index"`
	Kind         registry.MaterialType   `json:"material_type"`
	Name         string                  `json:"name"`
	MetadataHash common.Hash             `json:"metadata_hash"`
	OwnerOrg     string                  `json:"owner_org"`
	Identity     *CredentialSpec         `json:"identity"`
	QC           *CredentialSpec         `json:"qc"`
	FinalStatus  registry.MaterialStatus `json:"final_status"`
	// UnauthorizedQCAttempt marks materials whose QC issuance is attempted by
	// an unapproved issuer during materialization. The attempt is rejected,
	// so the realized state simply lacks a QC credential.
	UnauthorizedQCAttempt bool `json:"unauthorized_qc_attempt"`
	PendingTransfer       bool `json:"pending_transfer"`
	TransferToOrg         string `json:"transfer_to_org,omitempty"`
	// GroundTruth is computed from the realized fields above.
	GroundTruth []AnomalyClass `json:"ground_truth"`
}

// Dataset is one generated workload.
type Dataset struct {
	Config Config `json:"config"`
	// EvalTime is the Unix timestamp verification is evaluated at.
	EvalTime  int64           `json:"eval_time"`
	Materials []*MaterialSpec `json:"materials"`
}

const day = int64(24 * 60 * 60)

var orgs = []string{
	"Helix Biologics",
	"NovaCell Laboratories",
	"Meridian Biosciences",
	"Cascadia Cell Works",
	"Atlas Plasmid Foundry",
}

// Generate builds the dataset for cfg, evaluating validity windows against
// evalTime. The same (cfg, evalTime) pair always yields the same dataset.
func Generate(cfg Config, evalTime int64) (*Dataset, error) {
	if cfg.MaterialCount <= 0 {
		return nil, fmt.Errorf("material count must be positive, got %d", cfg.MaterialCount)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	ds := &Dataset{Config: cfg, EvalTime: evalTime}

	for i := 0; i < cfg.MaterialCount; i++ {
		spec, err := generateMaterial(rng, cfg, evalTime, i)
		if err != nil {
			return nil, err
		}
		spec.GroundTruth = realizedAnomalies(spec, evalTime)
		ds.Materials = append(ds.Materials, spec)
	}
	return ds, nil
}

func generateMaterial(rng *rand.Rand, cfg Config, evalTime int64, index int) (*MaterialSpec, error) {
	kind := registry.MaterialPlasmid
	if rng.Float64() < cfg.CellLineFraction {
		kind = registry.MaterialCellLine
	}
	name := fmt.Sprintf("%s-%04d", kindPrefix(kind), index+1)
	ownerOrg := orgs[rng.Intn(len(orgs))]

	metadataHash, err := canonical.Hash(map[string]interface{}{
		"name":     name,
		"kind":     string(kind),
		"lot":      fmt.Sprintf("LOT-%06d", rng.Intn(1_000_000)),
		"passage":  rng.Intn(40),
	})
	if err != nil {
		return nil, fmt.Errorf("metadata hash for %s: %w", name, err)
	}

	spec := &MaterialSpec{
		Index:        index,
		Kind:         kind,
		Name:         name,
		MetadataHash: common.Hash(metadataHash),
		OwnerOrg:     ownerOrg,
		FinalStatus:  registry.StatusActive,
	}

	// Identity credential: issued well in the past, one-year window.
	identityIssued := evalTime - (30+int64(rng.Intn(10)))*day
	identity, err := buildCredential(rng, registry.CredentialIdentity, name, identityIssued, evalTime+365*day)
	if err != nil {
		return nil, err
	}
	spec.Identity = identity

	primary := drawPrimary(rng, cfg.Weights)
	switch primary {
	case AnomalyRevoked:
		spec.FinalStatus = registry.StatusRevoked
	case AnomalyQuarantined:
		spec.FinalStatus = registry.StatusQuarantined
	case AnomalyPendingTransfer:
		spec.PendingTransfer = true
		spec.TransferToOrg = orgs[rng.Intn(len(orgs))]
	case AnomalyMissingQC:
		spec.UnauthorizedQCAttempt = true
	}

	// QC credential, unless the issuance path is the rejected one.
	if primary != AnomalyMissingQC {
		qcIssued := identityIssued + (1+int64(rng.Intn(5)))*day
		validUntil := evalTime + int64(cfg.QCValidityDays)*day
		if primary == AnomalyExpiredQC {
			// Realize expiry: the window closed before evaluation time but
			// after issuance.
			validUntil = evalTime - (1+int64(rng.Intn(10)))*day
		}
		qc, err := buildCredential(rng, registry.CredentialQCMyco, name, qcIssued, validUntil)
		if err != nil {
			return nil, err
		}
		spec.QC = qc
	}

	// Independent tamper roll over the QC artifact (identity when no QC).
	if rng.Float64() < cfg.TamperRate {
		target := spec.QC
		if target == nil {
			target = spec.Identity
		}
		tamper(rng, target)
	}
	return spec, nil
}

func buildCredential(rng *rand.Rand, t registry.CredentialType, materialName string, issuedAt, validUntil int64) (*CredentialSpec, error) {
	artifactBytes := make([]byte, 64+rng.Intn(192))
	rng.Read(artifactBytes)
	artifactHash := canonical.HashBytes(artifactBytes)

	payload := map[string]interface{}{
		"material":  materialName,
		"type":      string(t),
		"issued_at": issuedAt,
		"artifact":  fmt.Sprintf("%x", artifactHash[:8]),
	}
	commitment, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("commitment for %s/%s: %w", materialName, t, err)
	}
	return &CredentialSpec{
		Type:          t,
		Payload:       payload,
		Commitment:    common.Hash(commitment),
		IssuedAt:      issuedAt,
		ValidUntil:    validUntil,
		ArtifactBytes: artifactBytes,
		StoredBytes:   artifactBytes,
		ArtifactCID:   fmt.Sprintf("cid:%x", artifactHash[:16]),
		ArtifactHash:  common.Hash(artifactHash),
	}, nil
}

// tamper replaces the stored bytes so they no longer hash to the recorded
// artifact hash.
func tamper(rng *rand.Rand, c *CredentialSpec) {
	altered := make([]byte, len(c.ArtifactBytes))
	copy(altered, c.ArtifactBytes)
	altered[rng.Intn(len(altered))] ^= 0xff
	c.StoredBytes = altered
	c.Tampered = true
}

func drawPrimary(rng *rand.Rand, w Weights) AnomalyClass {
	roll := rng.Float64()
	for _, step := range []struct {
		p float64
		c AnomalyClass
	}{
		{w.Revoked, AnomalyRevoked},
		{w.Quarantined, AnomalyQuarantined},
		{w.MissingQC, AnomalyMissingQC},
		{w.ExpiredQC, AnomalyExpiredQC},
		{w.PendingTransfer, AnomalyPendingTransfer},
	} {
		if roll < step.p {
			return step.c
		}
		roll -= step.p
	}
	return ""
}

// realizedAnomalies derives ground truth from the realized material state.
func realizedAnomalies(spec *MaterialSpec, evalTime int64) []AnomalyClass {
	var labels []AnomalyClass
	switch spec.FinalStatus {
	case registry.StatusRevoked:
		labels = append(labels, AnomalyRevoked)
	case registry.StatusQuarantined:
		labels = append(labels, AnomalyQuarantined)
	}
	switch {
	case spec.QC == nil:
		labels = append(labels, AnomalyMissingQC)
	case spec.QC.ValidUntil != 0 && spec.QC.ValidUntil < evalTime:
		labels = append(labels, AnomalyExpiredQC)
	}
	if (spec.Identity != nil && spec.Identity.Tampered) || (spec.QC != nil && spec.QC.Tampered) {
		labels = append(labels, AnomalyTamperedArtifact)
	}
	if spec.PendingTransfer {
		labels = append(labels, AnomalyPendingTransfer)
	}
	return labels
}

// HasAnomaly reports whether the material's ground truth contains the class.
func (m *MaterialSpec) HasAnomaly(c AnomalyClass) bool {
	for _, g := range m.GroundTruth {
		if g == c {
			return true
		}
	}
	return false
}

// ExpectedOnChainFail reports whether the on-chain predicate alone should
// fail this material.
func (m *MaterialSpec) ExpectedOnChainFail() bool {
	for _, g := range m.GroundTruth {
		if g.OnChainDetectable() {
			return true
		}
	}
	return false
}

// ExpectedFullFail reports whether a full verification should fail this
// material.
func (m *MaterialSpec) ExpectedFullFail() bool {
	return len(m.GroundTruth) > 0
}

func kindPrefix(t registry.MaterialType) string {
	if t == registry.MaterialCellLine {
		return "CL"
	}
	return "PL"
}
