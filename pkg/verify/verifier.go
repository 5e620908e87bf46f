// Copyright 2025 BioPassport Project
//
// Verification Predicate. A deterministic two-layer decision over the
// registry snapshot: on-chain policy evaluation, optionally extended with
// off-chain artifact integrity checks. Domain failures never raise; they are
// encoded as reason codes. pass holds exactly when the reason set is empty.

package verify

import (
	"context"

	"github.com/jmhodges/clock"

	"github.com/xaviwho/biopassport/pkg/artifact"
	"github.com/xaviwho/biopassport/pkg/registry"
)

// Result is the outcome of one verification. Reasons is a deduplicated
// ordered set in canonical evaluation order.
type Result struct {
	MaterialID string   `json:"material_id"`
	Pass       bool     `json:"pass"`
	Reasons    []string `json:"reasons"`
	// AtTime is the evaluation timestamp the policy was applied at.
	AtTime int64 `json:"at_time"`
}

// Verifier evaluates materials against registry state. The artifact checker
// is optional; without one, full verification reports every artifact as
// unavailable.
type Verifier struct {
	reg     *registry.Registry
	checker *artifact.Checker
	clk     clock.Clock
}

// New builds a Verifier.
func New(reg *registry.Registry, checker *artifact.Checker, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{reg: reg, checker: checker, clk: clk}
}

// VerifyMaterial runs on-chain verification at the current time.
func (v *Verifier) VerifyMaterial(materialID string) (*Result, error) {
	return v.VerifyMaterialAt(materialID, v.clk.Now().Unix())
}

// VerifyMaterialAt runs on-chain verification against the committed snapshot,
// evaluating time-dependent policy at atTime.
func (v *Verifier) VerifyMaterialAt(materialID string, atTime int64) (*Result, error) {
	st, err := v.reg.GetMaterialState(materialID)
	if err != nil {
		return nil, err
	}
	reasons := evaluate(st, atTime)
	return result(materialID, atTime, reasons), nil
}

// VerifyMaterialFull runs on-chain verification plus artifact integrity
// checks at the current time.
func (v *Verifier) VerifyMaterialFull(ctx context.Context, materialID string) (*Result, error) {
	return v.VerifyMaterialFullAt(ctx, materialID, v.clk.Now().Unix())
}

// VerifyMaterialFullAt extends on-chain verification with one integrity check
// per non-revoked credential artifact. Fail-closed: an unretrievable artifact
// is a failure, never a pass.
func (v *Verifier) VerifyMaterialFullAt(ctx context.Context, materialID string, atTime int64) (*Result, error) {
	st, err := v.reg.GetMaterialState(materialID)
	if err != nil {
		return nil, err
	}
	reasons := evaluate(st, atTime)
	for _, c := range st.Credentials {
		if c.Revoked {
			continue
		}
		switch v.check(ctx, c) {
		case artifact.Tampered:
			reasons.add(ReasonArtifactTampered)
		case artifact.Unavailable:
			reasons.add(ReasonArtifactUnavailable)
		}
	}
	return result(materialID, atTime, reasons), nil
}

func (v *Verifier) check(ctx context.Context, c *registry.Credential) artifact.Result {
	if v.checker == nil {
		return artifact.Unavailable
	}
	return v.checker.Check(ctx, c)
}

func result(materialID string, atTime int64, reasons *reasonSet) *Result {
	codes := reasons.list()
	return &Result{
		MaterialID: materialID,
		Pass:       len(codes) == 0,
		Reasons:    codes,
		AtTime:     atTime,
	}
}

// evaluate applies the on-chain policy in fixed order: status, identity,
// latest QC, transfer continuity.
func evaluate(st *registry.MaterialState, atTime int64) *reasonSet {
	reasons := newReasonSet()

	// 1. Status.
	switch st.Material.Status {
	case registry.StatusRevoked:
		reasons.add(ReasonMaterialRevoked)
	case registry.StatusQuarantined:
		reasons.add(ReasonMaterialQuarantined)
	}

	// 2. Identity: at least one non-revoked identity credential from an
	// issuer that was not revoked before issuance.
	hasIdentity := false
	for _, c := range st.Credentials {
		if c.Type != registry.CredentialIdentity || c.Revoked {
			continue
		}
		if revokedAt := issuerRevokedAt(st, c); revokedAt != 0 && c.IssuedAt >= revokedAt {
			continue
		}
		hasIdentity = true
		break
	}
	if !hasIdentity {
		reasons.add(ReasonMissingIdentity)
	}

	// 3. Latest QC only. An older still-unexpired QC never overrides a newer
	// one: the anti-replay policy selects the maximum issued_at.
	var latestQC *registry.Credential
	for _, c := range st.Credentials {
		if c.Type != registry.CredentialQCMyco || c.Revoked {
			continue
		}
		if latestQC == nil || c.IssuedAt >= latestQC.IssuedAt {
			latestQC = c
		}
	}
	switch {
	case latestQC == nil:
		reasons.add(ReasonQCMissing)
	default:
		if revokedAt := issuerRevokedAt(st, latestQC); revokedAt != 0 && revokedAt <= latestQC.IssuedAt {
			reasons.add(ReasonQCIssuerRevoked)
		} else if latestQC.ValidUntil != 0 && latestQC.ValidUntil < atTime {
			reasons.add(ReasonQCExpired)
		}
	}

	// 4. Transfer continuity.
	for _, t := range st.Transfers {
		if !t.Accepted {
			reasons.add(ReasonTransferPending)
			break
		}
	}
	return reasons
}

func issuerRevokedAt(st *registry.MaterialState, c *registry.Credential) int64 {
	if p, ok := st.Issuers[c.IssuerAddress]; ok {
		return p.RevokedAt
	}
	return 0
}
