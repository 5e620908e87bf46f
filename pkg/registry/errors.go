// Copyright 2025 BioPassport Project
//
// Package registry sentinel errors. Specific failures wrap one of the five
// kind sentinels so callers can classify with errors.Is.

package registry

import (
	"errors"
	"fmt"
)

// Error kinds. Every registry error wraps exactly one of these.
var (
	// ErrAuthorization covers admin-only, ownership, capability and approval failures.
	ErrAuthorization = errors.New("authorization denied")

	// ErrInvalidInput covers zero hashes, unknown vocabulary values and bad windows.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound covers absent materials, credentials, transfers and issuers.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict covers already-revoked, pending-transfer and terminal-state failures.
	ErrStateConflict = errors.New("state conflict")

	// ErrTransport covers commit-log failures such as a missing finality marker.
	ErrTransport = errors.New("transport failure")
)

// Authorization failures.
var (
	ErrNotAdmin                       = fmt.Errorf("%w: admin only", ErrAuthorization)
	ErrNotOwner                       = fmt.Errorf("%w: caller does not own material", ErrAuthorization)
	ErrNotApprovedIssuer              = fmt.Errorf("%w: issuer not approved", ErrAuthorization)
	ErrIssuerRevoked                  = fmt.Errorf("%w: issuer revoked", ErrAuthorization)
	ErrNotAuthorizedForCredentialType = fmt.Errorf("%w: issuer lacks capability for credential type", ErrAuthorization)
	ErrNotAuthorizedForStatus         = fmt.Errorf("%w: caller may not set this status", ErrAuthorization)
	ErrNotTransferRecipient           = fmt.Errorf("%w: caller is not the transfer recipient", ErrAuthorization)
)

// Input failures.
var (
	ErrInvalidMaterialType   = fmt.Errorf("%w: unknown material type", ErrInvalidInput)
	ErrInvalidCredentialType = fmt.Errorf("%w: unknown credential type", ErrInvalidInput)
	ErrInvalidStatus         = fmt.Errorf("%w: unknown material status", ErrInvalidInput)
	ErrInvalidCommitmentHash = fmt.Errorf("%w: commitment hash is zero", ErrInvalidInput)
	ErrInvalidArtifactHash   = fmt.Errorf("%w: artifact hash is zero", ErrInvalidInput)
	ErrInvalidValidUntil     = fmt.Errorf("%w: valid_until is not after issuance", ErrInvalidInput)
	ErrInvalidPagination     = fmt.Errorf("%w: negative offset or limit", ErrInvalidInput)
)

// Lookup failures.
var (
	ErrMaterialNotFound   = fmt.Errorf("%w: material", ErrNotFound)
	ErrCredentialNotFound = fmt.Errorf("%w: credential", ErrNotFound)
	ErrIssuerNotFound     = fmt.Errorf("%w: issuer", ErrNotFound)
	ErrHistoryOutOfRange  = fmt.Errorf("%w: history index", ErrNotFound)
)

// State conflicts.
var (
	ErrCredentialAlreadyRevoked = fmt.Errorf("%w: credential already revoked", ErrStateConflict)
	ErrPendingTransferExists    = fmt.Errorf("%w: pending transfer exists", ErrStateConflict)
	ErrNoPendingTransfer        = fmt.Errorf("%w: no pending transfer", ErrStateConflict)
	ErrMaterialNotActive        = fmt.Errorf("%w: material is not active", ErrStateConflict)
	ErrMaterialTerminal         = fmt.Errorf("%w: material is revoked", ErrStateConflict)
	ErrIDCollision              = fmt.Errorf("%w: identifier already exists", ErrStateConflict)
)

// Lifecycle.
var (
	ErrRegistryClosed = fmt.Errorf("%w: registry closed", ErrTransport)
)
