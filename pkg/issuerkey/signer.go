// Copyright 2025 BioPassport Project
//
// Issuer Key / Signature Layer. Credential payloads are signed over their
// canonical form with ECDSA on secp256k1. Public keys travel out-of-band; the
// registry stores only the signature reference, and verification is a
// verifier-side check — compromised keys are handled by issuer revocation,
// not by admission-time signature rejection.

package issuerkey

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xaviwho/biopassport/pkg/canonical"
)

// Signer holds one issuer's secp256k1 private key.
type Signer struct {
	priv *ecdsa.PrivateKey
}

// NewSigner generates a fresh issuer key.
func NewSigner() (*Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// FromHex loads an issuer key from a hex-encoded private key, with or
// without a 0x prefix.
func FromHex(privateKeyHex string) (*Signer, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse issuer key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// Address derives the issuer's address from its public key.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.priv.PublicKey)
}

// SignedPayload is a credential payload with its canonical commitment and the
// issuer's signature over that commitment.
type SignedPayload struct {
	Payload        map[string]interface{} `json:"payload"`
	CommitmentHash common.Hash            `json:"commitment_hash"`
	IssuerAddress  common.Address         `json:"issuer_address"`
	// Signature is the hex-encoded 65-byte recoverable signature.
	Signature string `json:"signature"`
}

// Sign canonicalizes the payload, hashes it and signs the digest. The
// resulting commitment hash is what gets anchored on-chain.
func (s *Signer) Sign(payload map[string]interface{}) (*SignedPayload, error) {
	digest, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	sig, err := crypto.Sign(digest[:], s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return &SignedPayload{
		Payload:        payload,
		CommitmentHash: common.Hash(digest),
		IssuerAddress:  s.Address(),
		Signature:      hex.EncodeToString(sig),
	}, nil
}

// RecoverSigner recovers the address that signed the payload's canonical
// digest.
func RecoverSigner(payload map[string]interface{}, signatureHex string) (common.Address, error) {
	digest, err := canonical.Hash(payload)
	if err != nil {
		return common.Address{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether signatureHex over the payload's canonical digest was
// produced by the expected issuer.
func Verify(payload map[string]interface{}, signatureHex string, issuer common.Address) (bool, error) {
	recovered, err := RecoverSigner(payload, signatureHex)
	if err != nil {
		return false, err
	}
	return recovered == issuer, nil
}
