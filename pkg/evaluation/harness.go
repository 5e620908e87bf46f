// Copyright 2025 BioPassport Project
//
// Evaluation Harness. Materializes a generated dataset onto a live registry,
// queries the verification predicate for every material and computes
// per-anomaly-class confusion matrices for the on-chain and full predicates.
//
// Materialization drives a fake clock so issuance timestamps on the registry
// coincide with the dataset's, and issues credentials in ascending issued_at
// order so the registry's "latest" matches the dataset's.

package evaluation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/xaviwho/biopassport/pkg/artifact"
	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/issuerkey"
	"github.com/xaviwho/biopassport/pkg/registry"
	"github.com/xaviwho/biopassport/pkg/verify"
	"github.com/xaviwho/biopassport/pkg/workload"
)

// ErrNoFinality is raised when a receipt lacks its finality markers. Latency
// and correctness measurements must reflect committed operations, so the run
// aborts rather than record a non-final receipt.
var ErrNoFinality = fmt.Errorf("%w: receipt missing finality markers", registry.ErrTransport)

// Env is a live registry environment for one evaluation run.
type Env struct {
	Registry *registry.Registry
	Verifier *verify.Verifier
	Store    *artifact.MemoryStore
	Clock    clock.FakeClock
	Admin    common.Address

	identitySigner     *issuerkey.Signer
	qcSigner           *issuerkey.Signer
	unauthorizedSigner *issuerkey.Signer

	// materialIDs maps dataset index to registered material ID.
	materialIDs map[int]string
}

// NewEnv builds a fresh environment: fake clock, in-memory registry, memory
// object store, and issuer keys for the identity, QC and rejected paths.
func NewEnv(kv registry.KV) (*Env, error) {
	clk := clock.NewFake()
	clk.Set(time.Unix(1_700_000_000, 0))

	admin := common.HexToAddress("0x00000000000000000000000000000000000a51f1")
	reg, err := registry.New(registry.Options{Admin: admin, Clock: clk, KV: kv})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	store := artifact.NewMemoryStore()

	env := &Env{
		Registry:    reg,
		Verifier:    verify.New(reg, artifact.NewChecker(store, 5*time.Second), clk),
		Store:       store,
		Clock:       clk,
		Admin:       admin,
		materialIDs: make(map[int]string),
	}
	for _, s := range []**issuerkey.Signer{&env.identitySigner, &env.qcSigner, &env.unauthorizedSigner} {
		signer, err := issuerkey.NewSigner()
		if err != nil {
			reg.Close()
			return nil, err
		}
		*s = signer
	}
	return env, nil
}

// Close stops the environment's registry.
func (e *Env) Close() { e.Registry.Close() }

// assertFinal enforces the finality contract on every receipt.
func assertFinal(rcpt *registry.Receipt, err error) error {
	if err != nil {
		return err
	}
	if rcpt == nil || rcpt.BlockHeight == 0 || !rcpt.Success {
		return ErrNoFinality
	}
	return nil
}

// ownerAddress derives a stable address for an organization.
func ownerAddress(org string) common.Address {
	h := canonical.HashBytes([]byte("owner:" + org))
	return common.BytesToAddress(h[:20])
}

// Materialize registers the dataset onto the registry: issuers, materials,
// credentials (ascending issued_at), status changes and transfers.
func (e *Env) Materialize(ctx context.Context, ds *workload.Dataset) error {
	evalTime := ds.EvalTime

	// Issuer setup happens before any issuance timestamp.
	e.Clock.Set(time.Unix(evalTime-60*24*3600, 0))
	if err := assertFinal(e.Registry.AuthorizeIssuer(ctx, e.Admin, e.identitySigner.Address(), true, false, true)); err != nil {
		return fmt.Errorf("authorize identity issuer: %w", err)
	}
	if err := assertFinal(e.Registry.AuthorizeIssuer(ctx, e.Admin, e.qcSigner.Address(), false, true, false)); err != nil {
		return fmt.Errorf("authorize qc issuer: %w", err)
	}

	// Phase 1: registration.
	e.Clock.Set(time.Unix(evalTime-45*24*3600, 0))
	for _, spec := range ds.Materials {
		owner := ownerAddress(spec.OwnerOrg)
		id, rcpt, err := e.Registry.RegisterMaterial(ctx, owner, spec.Kind, spec.MetadataHash, spec.OwnerOrg)
		if err := assertFinal(rcpt, err); err != nil {
			return fmt.Errorf("register material %d: %w", spec.Index, err)
		}
		e.materialIDs[spec.Index] = id
	}

	// Phase 2: credentials, globally sorted by issued_at.
	type issuance struct {
		spec *workload.MaterialSpec
		cred *workload.CredentialSpec
	}
	var issuances []issuance
	for _, spec := range ds.Materials {
		if spec.Identity != nil {
			issuances = append(issuances, issuance{spec, spec.Identity})
		}
		if spec.QC != nil {
			issuances = append(issuances, issuance{spec, spec.QC})
		}
	}
	sort.SliceStable(issuances, func(i, j int) bool {
		return issuances[i].cred.IssuedAt < issuances[j].cred.IssuedAt
	})
	for _, is := range issuances {
		if err := e.issue(ctx, is.spec, is.cred); err != nil {
			return err
		}
	}

	// Rejected unauthorized QC attempts: the resulting state simply lacks a
	// QC credential.
	for _, spec := range ds.Materials {
		if !spec.UnauthorizedQCAttempt {
			continue
		}
		id := e.materialIDs[spec.Index]
		_, _, err := e.Registry.IssueCredential(ctx, e.unauthorizedSigner.Address(), registry.IssueParams{
			MaterialID:     id,
			Type:           registry.CredentialQCMyco,
			CommitmentHash: spec.MetadataHash,
			ArtifactCID:    "cid:rejected",
			ArtifactHash:   spec.MetadataHash,
			IssuerOrg:      "Unaccredited Lab",
		})
		if err == nil {
			return fmt.Errorf("unauthorized issuer was admitted on %s", id)
		}
	}

	// Phase 3: transfers, then status changes.
	e.Clock.Set(time.Unix(evalTime-2*24*3600, 0))
	for _, spec := range ds.Materials {
		if !spec.PendingTransfer {
			continue
		}
		id := e.materialIDs[spec.Index]
		owner := ownerAddress(spec.OwnerOrg)
		shipment := canonical.HashBytes([]byte("shipment:" + id))
		_, rcpt, err := e.Registry.InitiateTransfer(ctx, owner, id, ownerAddress(spec.TransferToOrg), spec.TransferToOrg, common.Hash(shipment))
		if err := assertFinal(rcpt, err); err != nil {
			return fmt.Errorf("initiate transfer on %s: %w", id, err)
		}
	}
	e.Clock.Set(time.Unix(evalTime-24*3600, 0))
	for _, spec := range ds.Materials {
		if spec.FinalStatus == registry.StatusActive {
			continue
		}
		id := e.materialIDs[spec.Index]
		reason := canonical.HashBytes([]byte("authority-action:" + id))
		if err := assertFinal(e.Registry.SetStatusByAuthority(ctx, e.Admin, id, spec.FinalStatus, common.Hash(reason))); err != nil {
			return fmt.Errorf("set status on %s: %w", id, err)
		}
	}

	e.Clock.Set(time.Unix(evalTime, 0))
	log.Printf("[harness] materialized %d materials (%d history height)", len(ds.Materials), e.Registry.Height())
	return nil
}

func (e *Env) issue(ctx context.Context, spec *workload.MaterialSpec, cred *workload.CredentialSpec) error {
	id := e.materialIDs[spec.Index]
	signer := e.identitySigner
	if cred.Type == registry.CredentialQCMyco {
		signer = e.qcSigner
	}
	signed, err := signer.Sign(cred.Payload)
	if err != nil {
		return fmt.Errorf("sign credential for %s: %w", id, err)
	}
	if signed.CommitmentHash != cred.Commitment {
		return fmt.Errorf("commitment mismatch for %s: signer %s, dataset %s", id, signed.CommitmentHash, cred.Commitment)
	}

	e.Clock.Set(time.Unix(cred.IssuedAt, 0))
	e.Store.Put(cred.ArtifactCID, cred.StoredBytes)
	_, rcpt, err := e.Registry.IssueCredential(ctx, signer.Address(), registry.IssueParams{
		MaterialID:     id,
		Type:           cred.Type,
		CommitmentHash: cred.Commitment,
		ValidUntil:     cred.ValidUntil,
		ArtifactCID:    cred.ArtifactCID,
		ArtifactHash:   cred.ArtifactHash,
		IssuerOrg:      "Accredited Lab",
		SignatureRef:   signed.Signature,
	})
	if err := assertFinal(rcpt, err); err != nil {
		return fmt.Errorf("issue %s credential on %s: %w", cred.Type, id, err)
	}
	return nil
}

// ====== Evaluation ======

// MaterialOutcome records one material's expected and observed verdicts.
type MaterialOutcome struct {
	MaterialID     string                  `json:"material_id"`
	GroundTruth    []workload.AnomalyClass `json:"ground_truth"`
	OnChainPass    bool                    `json:"onchain_pass"`
	OnChainReasons []string                `json:"onchain_reasons"`
	FullPass       bool                    `json:"full_pass"`
	FullReasons    []string                `json:"full_reasons"`
	ExpectedOnChainFail bool `json:"expected_onchain_fail"`
	ExpectedFullFail    bool `json:"expected_full_fail"`
}

// ClassReport is the per-anomaly-class confusion pair.
type ClassReport struct {
	OnChain        Confusion `json:"onchain"`
	Full           Confusion `json:"full"`
	OnChainMetrics Metrics   `json:"onchain_metrics"`
	FullMetrics    Metrics   `json:"full_metrics"`
}

// Report is the result of evaluating one dataset.
type Report struct {
	RunID           string                  `json:"run_id"`
	Preset          string                  `json:"preset"`
	EvalTime        int64                   `json:"eval_time"`
	MaterialCount   int                     `json:"material_count"`
	OnChainFailRate float64                 `json:"onchain_fail_rate"`
	FullFailRate    float64                 `json:"full_fail_rate"`
	Classes         map[string]*ClassReport `json:"classes"`
	// FailReasons is the histogram of reason codes across full verification.
	FailReasons map[string]int     `json:"fail_reasons"`
	Materials   []*MaterialOutcome `json:"materials"`
}

// Evaluate verifies every materialized material and computes the confusion
// matrices. Materialize must have run first.
func (e *Env) Evaluate(ctx context.Context, ds *workload.Dataset) (*Report, error) {
	rep := &Report{
		RunID:         uuid.NewString(),
		Preset:        ds.Config.Name,
		EvalTime:      ds.EvalTime,
		MaterialCount: len(ds.Materials),
		Classes:       make(map[string]*ClassReport),
		FailReasons:   make(map[string]int),
	}
	for _, c := range workload.Classes {
		rep.Classes[string(c)] = &ClassReport{}
	}

	onChainFails, fullFails := 0, 0
	for _, spec := range ds.Materials {
		id, ok := e.materialIDs[spec.Index]
		if !ok {
			return nil, fmt.Errorf("material %d was not materialized", spec.Index)
		}
		onChain, err := e.Verifier.VerifyMaterialAt(id, ds.EvalTime)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", id, err)
		}
		full, err := e.Verifier.VerifyMaterialFullAt(ctx, id, ds.EvalTime)
		if err != nil {
			return nil, fmt.Errorf("full verify %s: %w", id, err)
		}

		if !onChain.Pass {
			onChainFails++
		}
		if !full.Pass {
			fullFails++
		}
		for _, r := range full.Reasons {
			rep.FailReasons[r]++
		}
		for _, c := range workload.Classes {
			cr := rep.Classes[string(c)]
			actual := spec.HasAnomaly(c)
			cr.OnChain.Add(actual, reasonsContain(onChain.Reasons, c))
			cr.Full.Add(actual, reasonsContain(full.Reasons, c))
		}
		rep.Materials = append(rep.Materials, &MaterialOutcome{
			MaterialID:          id,
			GroundTruth:         spec.GroundTruth,
			OnChainPass:         onChain.Pass,
			OnChainReasons:      onChain.Reasons,
			FullPass:            full.Pass,
			FullReasons:         full.Reasons,
			ExpectedOnChainFail: spec.ExpectedOnChainFail(),
			ExpectedFullFail:    spec.ExpectedFullFail(),
		})
	}

	n := float64(len(ds.Materials))
	if n > 0 {
		rep.OnChainFailRate = float64(onChainFails) / n
		rep.FullFailRate = float64(fullFails) / n
	}
	for _, cr := range rep.Classes {
		cr.OnChainMetrics = cr.OnChain.Metrics()
		cr.FullMetrics = cr.Full.Metrics()
	}
	return rep, nil
}

// Run generates, materializes and evaluates one preset end to end.
func Run(ctx context.Context, preset string) (*Report, *workload.Dataset, error) {
	cfg, err := workload.Preset(preset)
	if err != nil {
		return nil, nil, err
	}
	env, err := NewEnv(nil)
	if err != nil {
		return nil, nil, err
	}
	defer env.Close()

	ds, err := workload.Generate(cfg, env.Clock.Now().Unix())
	if err != nil {
		return nil, nil, fmt.Errorf("generate %s dataset: %w", preset, err)
	}
	if err := env.Materialize(ctx, ds); err != nil {
		return nil, nil, fmt.Errorf("materialize %s dataset: %w", preset, err)
	}
	rep, err := env.Evaluate(ctx, ds)
	if err != nil {
		return nil, nil, err
	}
	return rep, ds, nil
}
