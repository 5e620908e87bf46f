// Copyright 2025 BioPassport Project
//
// Verification HTTP API Handlers
// Exposes the on-chain and full verification predicates. Domain failures are
// reason codes in a 200 response; only absent materials and transport errors
// surface as HTTP errors.

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/xaviwho/biopassport/pkg/verify"
)

// VerifyHandlers provides HTTP handlers for verification queries
type VerifyHandlers struct {
	verifier *verify.Verifier
}

// NewVerifyHandlers creates new verification handlers
func NewVerifyHandlers(verifier *verify.Verifier) *VerifyHandlers {
	return &VerifyHandlers{verifier: verifier}
}

// Register wires the handler set onto a mux.
func (h *VerifyHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/verify/", h.HandleVerify)
}

// HandleVerify handles GET /api/verify/<material-id>[?at=<unix>&full=true]
func (h *VerifyHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/verify/")
	if id == "" {
		http.Error(w, `{"error":"material id required"}`, http.StatusBadRequest)
		return
	}

	atTime := int64(0)
	if v := r.URL.Query().Get("at"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid at parameter"})
			return
		}
		atTime = n
	}
	full := r.URL.Query().Get("full") == "true"

	var (
		res *verify.Result
		err error
	)
	switch {
	case full && atTime != 0:
		res, err = h.verifier.VerifyMaterialFullAt(r.Context(), id, atTime)
	case full:
		res, err = h.verifier.VerifyMaterialFull(r.Context(), id)
	case atTime != 0:
		res, err = h.verifier.VerifyMaterialAt(id, atTime)
	default:
		res, err = h.verifier.VerifyMaterial(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
