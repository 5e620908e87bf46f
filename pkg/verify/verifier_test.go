// Copyright 2025 BioPassport Project
//
// Verification Predicate Tests
//
// End-to-end policy scenarios over a live registry: happy path, QC replay,
// issuer revocation grandfathering, transfer continuity, owner/authority
// revocation, and artifact tampering under full verification.

package verify

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmhodges/clock"

	"github.com/xaviwho/biopassport/pkg/artifact"
	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/registry"
)

var (
	admin   = common.HexToAddress("0x000000000000000000000000000000000000ad31")
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000a0a")
	labB    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	issuerA = common.HexToAddress("0x00000000000000000000000000000000000001a1")
	issuerB = common.HexToAddress("0x00000000000000000000000000000000000001b1")
)

const day = 24 * time.Hour

type fixture struct {
	reg      *registry.Registry
	verifier *Verifier
	store    *artifact.MemoryStore
	clk      clock.FakeClock
	mat      string
	qcBytes  []byte
}

func hashOf(s string) common.Hash {
	return common.Hash(canonical.HashBytes([]byte(s)))
}

// newFixture builds the S1 baseline: a registered cell line with a valid
// identity credential from issuer A and a valid QC credential from issuer B.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake()
	clk.Set(time.Unix(1_700_000_000, 0))

	reg, err := registry.New(registry.Options{Admin: admin, Clock: clk})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(reg.Close)
	store := artifact.NewMemoryStore()
	f := &fixture{
		reg:      reg,
		verifier: New(reg, artifact.NewChecker(store, time.Second), clk),
		store:    store,
		clk:      clk,
	}

	if _, err := reg.AuthorizeIssuer(ctx, admin, issuerA, true, false, false); err != nil {
		t.Fatalf("authorize issuer A: %v", err)
	}
	if _, err := reg.AuthorizeIssuer(ctx, admin, issuerB, false, true, false); err != nil {
		t.Fatalf("authorize issuer B: %v", err)
	}

	f.mat, _, err = reg.RegisterMaterial(ctx, owner, registry.MaterialCellLine, hashOf("HeLa v1"), "Lab A")
	if err != nil {
		t.Fatalf("register material: %v", err)
	}

	now := clk.Now().Unix()
	idBytes := []byte("identity report")
	f.store.Put("cid:identity", idBytes)
	if _, _, err := reg.IssueCredential(ctx, issuerA, registry.IssueParams{
		MaterialID:     f.mat,
		Type:           registry.CredentialIdentity,
		CommitmentHash: hashOf("identity payload"),
		ValidUntil:     now + 365*86400,
		ArtifactCID:    "cid:identity",
		ArtifactHash:   common.Hash(canonical.HashBytes(idBytes)),
		IssuerOrg:      "Identity Lab",
	}); err != nil {
		t.Fatalf("issue identity: %v", err)
	}

	f.qcBytes = []byte("qc myco report")
	f.store.Put("cid:qc", f.qcBytes)
	if _, _, err := reg.IssueCredential(ctx, issuerB, registry.IssueParams{
		MaterialID:     f.mat,
		Type:           registry.CredentialQCMyco,
		CommitmentHash: hashOf("qc payload"),
		ValidUntil:     now + 90*86400,
		ArtifactCID:    "cid:qc",
		ArtifactHash:   common.Hash(canonical.HashBytes(f.qcBytes)),
		IssuerOrg:      "QC Lab",
	}); err != nil {
		t.Fatalf("issue qc: %v", err)
	}
	return f
}

func expectResult(t *testing.T, res *Result, pass bool, reasons ...string) {
	t.Helper()
	if res.Pass != pass {
		t.Errorf("pass mismatch: got %v (%v), want %v", res.Pass, res.Reasons, pass)
	}
	if len(reasons) == 0 {
		reasons = []string{}
	}
	got := res.Reasons
	if got == nil {
		got = []string{}
	}
	if !reflect.DeepEqual(got, reasons) {
		t.Errorf("reasons mismatch: got %v, want %v", got, reasons)
	}
}

func TestVerify_HappyPath(t *testing.T) {
	f := newFixture(t)
	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, true)

	full, err := f.verifier.VerifyMaterialFull(context.Background(), f.mat)
	if err != nil {
		t.Fatalf("full verify: %v", err)
	}
	expectResult(t, full, true)
}

func TestVerify_QCReplayDefeated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One day later issuer B issues a second QC that is already expired at
	// evaluation time. Issuance is valid (window still open at issue), but
	// the latest-QC policy must not fall back to the older in-window QC.
	f.clk.Add(day)
	now := f.clk.Now().Unix()
	newBytes := []byte("newer qc report")
	f.store.Put("cid:qc2", newBytes)
	if _, _, err := f.reg.IssueCredential(ctx, issuerB, registry.IssueParams{
		MaterialID:     f.mat,
		Type:           registry.CredentialQCMyco,
		CommitmentHash: hashOf("qc payload 2"),
		ValidUntil:     now + 86400,
		ArtifactCID:    "cid:qc2",
		ArtifactHash:   common.Hash(canonical.HashBytes(newBytes)),
		IssuerOrg:      "QC Lab",
	}); err != nil {
		t.Fatalf("issue second qc: %v", err)
	}

	// Two days later the new QC has expired while the first is still within
	// its 90-day window.
	f.clk.Add(2 * day)
	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonQCExpired)
}

func TestVerify_IssuerRevocationPreservesPastCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clk.Add(time.Hour)
	if _, err := f.reg.RevokeIssuer(ctx, admin, issuerB); err != nil {
		t.Fatalf("revoke issuer: %v", err)
	}

	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, true)

	// The revoked issuer can no longer issue.
	_, _, err = f.reg.IssueCredential(ctx, issuerB, registry.IssueParams{
		MaterialID:     f.mat,
		Type:           registry.CredentialQCMyco,
		CommitmentHash: hashOf("late qc"),
		ArtifactCID:    "cid:late",
		ArtifactHash:   hashOf("late artifact"),
		IssuerOrg:      "QC Lab",
	})
	if !errors.Is(err, registry.ErrIssuerRevoked) {
		t.Errorf("expected ErrIssuerRevoked, got %v", err)
	}
}

func TestVerify_QCIssuedAfterIssuerRevocationWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Replace the QC with one issued by issuer B exactly at the revocation
	// timestamp, then revoke: issued_at >= revoked_at must disqualify the
	// credential.
	f.clk.Add(time.Hour)
	newBytes := []byte("suspicious qc")
	f.store.Put("cid:qc3", newBytes)
	if _, _, err := f.reg.IssueCredential(ctx, issuerB, registry.IssueParams{
		MaterialID:     f.mat,
		Type:           registry.CredentialQCMyco,
		CommitmentHash: hashOf("qc payload 3"),
		ValidUntil:     f.clk.Now().Unix() + 90*86400,
		ArtifactCID:    "cid:qc3",
		ArtifactHash:   common.Hash(canonical.HashBytes(newBytes)),
		IssuerOrg:      "QC Lab",
	}); err != nil {
		t.Fatalf("issue qc: %v", err)
	}
	// Revocation lands on the same second as the issuance above.
	if _, err := f.reg.RevokeIssuer(ctx, admin, issuerB); err != nil {
		t.Fatalf("revoke issuer: %v", err)
	}

	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonQCIssuerRevoked)
}

func TestVerify_PendingTransferBlocksValidity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.reg.InitiateTransfer(ctx, owner, f.mat, labB, "Lab B", hashOf("shipment")); err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}
	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonTransferPending)

	if _, _, err := f.reg.InitiateTransfer(ctx, owner, f.mat, labB, "Lab B", hashOf("shipment 2")); !errors.Is(err, registry.ErrPendingTransferExists) {
		t.Errorf("expected ErrPendingTransferExists, got %v", err)
	}

	// Acceptance clears the reason.
	if _, err := f.reg.AcceptTransfer(ctx, labB, f.mat); err != nil {
		t.Fatalf("accept transfer: %v", err)
	}
	res, _ = f.verifier.VerifyMaterial(f.mat)
	expectResult(t, res, true)
}

func TestVerify_OwnerCannotRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reg.SetStatusByOwner(ctx, owner, f.mat, registry.StatusRevoked, hashOf("reason")); !errors.Is(err, registry.ErrNotAuthorizedForStatus) {
		t.Fatalf("expected ErrNotAuthorizedForStatus, got %v", err)
	}
	if _, err := f.reg.SetStatusByAuthority(ctx, admin, f.mat, registry.StatusRevoked, hashOf("reason")); err != nil {
		t.Fatalf("authority revoke: %v", err)
	}
	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonMaterialRevoked)
}

func TestVerify_ArtifactTamperedOnlyInFullVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The object store now serves bytes whose hash differs from the
	// recorded artifact hash.
	f.store.Put("cid:qc", append([]byte("tampered "), f.qcBytes...))

	onChain, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, onChain, true)

	full, err := f.verifier.VerifyMaterialFull(ctx, f.mat)
	if err != nil {
		t.Fatalf("full verify: %v", err)
	}
	expectResult(t, full, false, ReasonArtifactTampered)
}

func TestVerify_UnavailableArtifactFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.store.Delete("cid:qc")

	full, err := f.verifier.VerifyMaterialFull(context.Background(), f.mat)
	if err != nil {
		t.Fatalf("full verify: %v", err)
	}
	expectResult(t, full, false, ReasonArtifactUnavailable)
}

func TestVerify_MissingIdentityAndQC(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Unix(1_700_000_000, 0))
	reg, err := registry.New(registry.Options{Admin: admin, Clock: clk})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(reg.Close)
	v := New(reg, nil, clk)

	mat, _, err := reg.RegisterMaterial(context.Background(), owner, registry.MaterialPlasmid, hashOf("bare"), "Lab A")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := v.VerifyMaterial(mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonMissingIdentity, ReasonQCMissing)
}

func TestVerify_RevokedIdentityDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creds, err := f.reg.GetCredentials(f.mat)
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	for _, c := range creds {
		if c.Type == registry.CredentialIdentity {
			if _, err := f.reg.RevokeCredential(ctx, issuerA, c.ID); err != nil {
				t.Fatalf("revoke identity: %v", err)
			}
		}
	}
	res, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	expectResult(t, res, false, ReasonMissingIdentity)
}

func TestVerify_PureFunctionOfSnapshot(t *testing.T) {
	f := newFixture(t)
	first, err := f.verifier.VerifyMaterial(f.mat)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := f.verifier.VerifyMaterial(f.mat)
		if err != nil {
			t.Fatalf("repeat verify %d: %v", i, err)
		}
		if res.Pass != first.Pass || !reflect.DeepEqual(res.Reasons, first.Reasons) {
			t.Errorf("verification is not stable without writes: %v vs %v", res, first)
		}
	}
}

func TestVerify_UnknownMaterial(t *testing.T) {
	f := newFixture(t)
	if _, err := f.verifier.VerifyMaterial("bio:cell_line:999"); !errors.Is(err, registry.ErrMaterialNotFound) {
		t.Errorf("expected ErrMaterialNotFound, got %v", err)
	}
}

func TestReasonAliases(t *testing.T) {
	cases := []struct {
		a, b string
		same bool
	}{
		{"QC_EXPIRED", "CREDENTIAL_EXPIRED", true},
		{"ARTIFACT_TAMPERED", "HASH_MISMATCH", true},
		{"ARTIFACT_TAMPERED", "INTEGRITY_FAILED", true},
		{"MATERIAL_REVOKED", "REVOKED", true},
		{"MATERIAL_REVOKED", "STATUS_REVOKED", true},
		{"MATERIAL_QUARANTINED", "QUARANTINED", true},
		{"QC_MISSING", "MISSING_QC", true},
		{"TRANSFER_PENDING", "PENDING_TRANSFER", true},
		{"QC_EXPIRED", "QC_MISSING", false},
		{"SOMETHING_ELSE", "SOMETHING_ELSE", true}, // exact-match fallback
		{"SOMETHING_ELSE", "OTHER", false},
	}
	for _, c := range cases {
		if got := SameReason(c.a, c.b); got != c.same {
			t.Errorf("SameReason(%s, %s) = %v, want %v", c.a, c.b, got, c.same)
		}
	}
}
