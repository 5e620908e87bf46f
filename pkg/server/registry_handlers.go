// Copyright 2025 BioPassport Project
//
// Registry HTTP API Handlers
// Thin JSON wrappers over the registry; all semantics live in pkg/registry.
// The caller identity is taken from the X-Caller-Address header: the service
// fronts a trusted deployment where authentication terminates upstream.

package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xaviwho/biopassport/pkg/registry"
)

// RegistryHandlers provides HTTP handlers for registry operations
type RegistryHandlers struct {
	reg *registry.Registry
}

// NewRegistryHandlers creates new registry handlers
func NewRegistryHandlers(reg *registry.Registry) *RegistryHandlers {
	return &RegistryHandlers{reg: reg}
}

// Register wires the handler set onto a mux.
func (h *RegistryHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/materials", h.HandleRegisterMaterial)
	mux.HandleFunc("/api/materials/", h.HandleMaterialSubresource)
	mux.HandleFunc("/api/credentials/", h.HandleCredentialSubresource)
	mux.HandleFunc("/api/issuers", h.HandleAuthorizeIssuer)
	mux.HandleFunc("/api/issuers/revoke", h.HandleRevokeIssuer)
}

// ====== Helpers ======

func callerAddress(r *http.Request) (common.Address, error) {
	raw := r.Header.Get("X-Caller-Address")
	if raw == "" {
		return common.Address{}, fmt.Errorf("missing X-Caller-Address header")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid caller address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != 32 {
		return common.Hash{}, fmt.Errorf("expected 32-byte hex hash, got %q", raw)
	}
	return common.BytesToHash(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrStateConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ====== Materials ======

// HandleRegisterMaterial handles POST /api/materials requests
func (h *RegistryHandlers) HandleRegisterMaterial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		MaterialType string `json:"material_type"`
		MetadataHash string `json:"metadata_hash"`
		OwnerOrg     string `json:"owner_org"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	hash, err := parseHash(req.MetadataHash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, rcpt, err := h.reg.RegisterMaterial(r.Context(), caller, registry.MaterialType(req.MaterialType), hash, req.OwnerOrg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"material_id": id,
		"receipt":     rcpt,
	})
}

// HandleMaterialSubresource routes /api/materials/<id>[/<subresource>].
func (h *RegistryHandlers) HandleMaterialSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/materials/")
	if rest == "" {
		http.Error(w, `{"error":"material id required"}`, http.StatusBadRequest)
		return
	}
	// Material IDs contain colons (bio:cell_line:1); subresources are the
	// trailing slash-separated segments.
	id := rest
	sub := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		id, sub = rest[:i], rest[i+1:]
	}

	switch sub {
	case "":
		h.handleGetMaterial(w, r, id)
	case "credentials":
		h.handleCredentials(w, r, id)
	case "transfers":
		h.handleTransfers(w, r, id)
	case "transfers/accept":
		h.handleAcceptTransfer(w, r, id)
	case "status":
		h.handleSetStatus(w, r, id)
	case "history":
		h.handleHistory(w, r, id)
	default:
		http.Error(w, `{"error":"unknown subresource"}`, http.StatusNotFound)
	}
}

func (h *RegistryHandlers) handleGetMaterial(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	m, err := h.reg.GetMaterial(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *RegistryHandlers) handleCredentials(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		creds, err := h.reg.GetCredentials(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, creds)
	case http.MethodPost:
		caller, err := callerAddress(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		var req struct {
			CredentialType string `json:"credential_type"`
			CommitmentHash string `json:"commitment_hash"`
			ValidUntil     int64  `json:"valid_until"`
			ArtifactCID    string `json:"artifact_cid"`
			ArtifactHash   string `json:"artifact_hash"`
			IssuerOrg      string `json:"issuer_org"`
			SignatureRef   string `json:"signature_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		commitment, err := parseHash(req.CommitmentHash)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		artifactHash, err := parseHash(req.ArtifactHash)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		credID, rcpt, err := h.reg.IssueCredential(r.Context(), caller, registry.IssueParams{
			MaterialID:     id,
			Type:           registry.CredentialType(req.CredentialType),
			CommitmentHash: commitment,
			ValidUntil:     req.ValidUntil,
			ArtifactCID:    req.ArtifactCID,
			ArtifactHash:   artifactHash,
			IssuerOrg:      req.IssuerOrg,
			SignatureRef:   req.SignatureRef,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"credential_id": credID,
			"receipt":       rcpt,
		})
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *RegistryHandlers) handleTransfers(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		xfers, err := h.reg.GetTransfers(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, xfers)
	case http.MethodPost:
		caller, err := callerAddress(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		var req struct {
			ToAddress    string `json:"to_address"`
			ToOrg        string `json:"to_org"`
			ShipmentHash string `json:"shipment_hash"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !common.IsHexAddress(req.ToAddress) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid to_address"})
			return
		}
		shipment, err := parseHash(req.ShipmentHash)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		xferID, rcpt, err := h.reg.InitiateTransfer(r.Context(), caller, id, common.HexToAddress(req.ToAddress), req.ToOrg, shipment)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"transfer_id": xferID,
			"receipt":     rcpt,
		})
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *RegistryHandlers) handleAcceptTransfer(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rcpt, err := h.reg.AcceptTransfer(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": rcpt})
}

func (h *RegistryHandlers) handleSetStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Status      string `json:"status"`
		ReasonHash  string `json:"reason_hash"`
		AsAuthority bool   `json:"as_authority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	reason, err := parseHash(req.ReasonHash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var rcpt *registry.Receipt
	if req.AsAuthority {
		rcpt, err = h.reg.SetStatusByAuthority(r.Context(), caller, id, registry.MaterialStatus(req.Status), reason)
	} else {
		rcpt, err = h.reg.SetStatusByOwner(r.Context(), caller, id, registry.MaterialStatus(req.Status), reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": rcpt})
}

func (h *RegistryHandlers) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	offset, limit := 0, 100
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset parameter"})
			return
		}
		offset = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit parameter"})
			return
		}
		limit = n
	}
	entries, err := h.reg.GetHistorySlice(id, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := h.reg.GetHistoryCount(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   count,
		"offset":  offset,
		"entries": entries,
	})
}

// ====== Credentials ======

// HandleCredentialSubresource routes /api/credentials/<id>[/revoke].
func (h *RegistryHandlers) HandleCredentialSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/credentials/")
	if strings.HasSuffix(rest, "/revoke") {
		h.handleRevokeCredential(w, r, strings.TrimSuffix(rest, "/revoke"))
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	c, err := h.reg.GetCredential(rest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *RegistryHandlers) handleRevokeCredential(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rcpt, err := h.reg.RevokeCredential(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": rcpt})
}

// ====== Issuers ======

// HandleAuthorizeIssuer handles POST /api/issuers requests
func (h *RegistryHandlers) HandleAuthorizeIssuer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Issuer           string `json:"issuer"`
		CanIssueIdentity bool   `json:"can_issue_identity"`
		CanIssueQC       bool   `json:"can_issue_qc"`
		CanIssueUsage    bool   `json:"can_issue_usage_rights"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Issuer) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid issuer address"})
		return
	}
	rcpt, err := h.reg.AuthorizeIssuer(r.Context(), caller, common.HexToAddress(req.Issuer),
		req.CanIssueIdentity, req.CanIssueQC, req.CanIssueUsage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": rcpt})
}

// HandleRevokeIssuer handles POST /api/issuers/revoke requests
func (h *RegistryHandlers) HandleRevokeIssuer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Issuer string `json:"issuer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Issuer) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid issuer address"})
		return
	}
	rcpt, err := h.reg.RevokeIssuer(r.Context(), caller, common.HexToAddress(req.Issuer))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": rcpt})
}
