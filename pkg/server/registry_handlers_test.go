// Copyright 2025 BioPassport Project
//
// Registry HTTP API Tests

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmhodges/clock"

	"github.com/xaviwho/biopassport/pkg/artifact"
	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/registry"
	"github.com/xaviwho/biopassport/pkg/verify"
)

var (
	admin  = common.HexToAddress("0x000000000000000000000000000000000000ad31")
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000a0a")
	issuer = common.HexToAddress("0x00000000000000000000000000000000000001b1")
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Unix(1_700_000_000, 0))
	reg, err := registry.New(registry.Options{Admin: admin, Clock: clk})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(reg.Close)

	store := artifact.NewMemoryStore()
	verifier := verify.New(reg, artifact.NewChecker(store, time.Second), clk)

	mux := http.NewServeMux()
	NewRegistryHandlers(reg).Register(mux)
	NewVerifyHandlers(verifier).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, caller common.Address, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if caller != (common.Address{}) {
		req.Header.Set("X-Caller-Address", caller.Hex())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func hashHex(s string) string {
	h := canonical.HashBytes([]byte(s))
	return fmt.Sprintf("%x", h)
}

func TestAPI_RegisterAndFetchMaterial(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/materials", owner, map[string]interface{}{
		"material_type": "CELL_LINE",
		"metadata_hash": hashHex("HeLa v1"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(body["material_id"], &id); err != nil || id == "" {
		t.Fatalf("missing material_id in response: %v", err)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/materials/"+id, common.Address{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get material status = %d", resp.StatusCode)
	}
}

func TestAPI_MissingCallerHeader(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/materials", common.Address{}, map[string]interface{}{
		"material_type": "CELL_LINE",
		"metadata_hash": hashHex("x"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without caller header, got %d", resp.StatusCode)
	}
}

func TestAPI_ErrorKindMapping(t *testing.T) {
	srv := newTestServer(t)

	// Unknown material: 404.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/materials/bio:cell_line:999", common.Address{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown material, got %d", resp.StatusCode)
	}

	// Invalid input: 400.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/materials", owner, map[string]interface{}{
		"material_type": "VIRUS",
		"metadata_hash": hashHex("x"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid material type, got %d", resp.StatusCode)
	}

	// Authorization failure: 403. Unapproved issuer posts a credential.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/materials", owner, map[string]interface{}{
		"material_type": "CELL_LINE",
		"metadata_hash": hashHex("m"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(body["material_id"], &id); err != nil {
		t.Fatalf("material_id: %v", err)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/materials/"+id+"/credentials", issuer, map[string]interface{}{
		"credential_type": "QC_MYCO",
		"commitment_hash": hashHex("commitment"),
		"artifact_cid":    "cid:1",
		"artifact_hash":   hashHex("artifact"),
		"issuer_org":      "QC Lab",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for unapproved issuer, got %d", resp.StatusCode)
	}
}

func TestAPI_VerifyFlow(t *testing.T) {
	srv := newTestServer(t)

	// Issuer setup through the API.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/issuers", admin, map[string]interface{}{
		"issuer":       issuer.Hex(),
		"can_issue_qc": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize issuer status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/materials", owner, map[string]interface{}{
		"material_type": "PLASMID",
		"metadata_hash": hashHex("pUC19"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(body["material_id"], &id); err != nil {
		t.Fatalf("material_id: %v", err)
	}

	// A bare material fails verification with reasons, not an error.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/verify/"+id, common.Address{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	var pass bool
	if err := json.Unmarshal(body["pass"], &pass); err != nil {
		t.Fatalf("pass field: %v", err)
	}
	if pass {
		t.Errorf("bare material should not pass verification")
	}
	var reasons []string
	if err := json.Unmarshal(body["reasons"], &reasons); err != nil || len(reasons) == 0 {
		t.Errorf("expected reasons, got %v (%v)", reasons, err)
	}
}

func TestAPI_HistoryPagination(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/materials", owner, map[string]interface{}{
		"material_type": "CELL_LINE",
		"metadata_hash": hashHex("m"),
		"owner_org":     "Lab A",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(body["material_id"], &id); err != nil {
		t.Fatalf("material_id: %v", err)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/materials/"+id+"/history?offset=0&limit=10", common.Address{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var total int
	if err := json.Unmarshal(body["total"], &total); err != nil || total != 1 {
		t.Errorf("expected total 1, got %d (%v)", total, err)
	}
}
