// Copyright 2025 BioPassport Project
//
// Append-only history log. Every successful mutation appends exactly one
// 32-byte digest to the history of the material it touches (issuer operations
// append to a reserved registry-level stream). Entries are never pruned,
// re-ordered or modified.

package registry

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/xaviwho/biopassport/pkg/canonical"
)

// IssuerHistorySubject is the reserved history stream for issuer
// authorization and revocation events, which are not tied to one material.
const IssuerHistorySubject = "issuers"

// Event tags recorded in history digests.
const (
	EventRegisterMaterial  = "REGISTER_MATERIAL"
	EventIssueCredential   = "ISSUE_CREDENTIAL"
	EventRevokeCredential  = "REVOKE_CREDENTIAL"
	EventSetStatus         = "SET_STATUS"
	EventInitiateTransfer  = "INITIATE_TRANSFER"
	EventAcceptTransfer    = "ACCEPT_TRANSFER"
	EventAuthorizeIssuer   = "AUTHORIZE_ISSUER"
	EventRevokeIssuer      = "REVOKE_ISSUER"
)

// historyDigest hashes (event_tag, actor, salient_argument_digest, timestamp)
// into the 32-byte entry appended to the log.
func historyDigest(event string, actor common.Address, argsDigest common.Hash, timestamp int64) common.Hash {
	h, err := canonical.Hash(map[string]interface{}{
		"event":     event,
		"actor":     actor.Hex(),
		"args":      argsDigest.Hex(),
		"timestamp": timestamp,
	})
	if err != nil {
		// The input is a fixed map of strings and an int64; canonicalization
		// cannot fail on it.
		panic(err)
	}
	return common.Hash(h)
}

// argsDigest hashes the salient arguments of an operation.
func argsDigest(fields map[string]interface{}) common.Hash {
	h, err := canonical.Hash(fields)
	if err != nil {
		panic(err)
	}
	return common.Hash(h)
}

// appendHistory records one digest on the subject's stream. Caller holds the
// write lock.
func (r *Registry) appendHistory(subject, event string, actor common.Address, fields map[string]interface{}, timestamp int64) common.Hash {
	d := historyDigest(event, actor, argsDigest(fields), timestamp)
	r.history[subject] = append(r.history[subject], d)
	return d
}

// historySubjectExists reports whether a history stream may be read.
func (r *Registry) historySubjectExists(subject string) bool {
	if subject == IssuerHistorySubject {
		return true
	}
	_, ok := r.materials[subject]
	return ok
}
