// Copyright 2025 BioPassport Project
//
// Identifier minter. Three process-local monotone counters produce stable,
// prefix-qualified IDs. Counters are owned by the single writer; the minter
// itself carries no lock.

package registry

import "fmt"

type minter struct {
	materials   uint64
	credentials uint64
	transfers   uint64
}

// nextMaterialID mints bio:<kind>:<n>. Material IDs share one counter across
// kinds so an ID never recurs even when the kind mix changes.
func (m *minter) nextMaterialID(t MaterialType) string {
	m.materials++
	return fmt.Sprintf("bio:%s:%d", t.kindSlug(), m.materials)
}

func (m *minter) nextCredentialID() string {
	m.credentials++
	return fmt.Sprintf("cred:%d", m.credentials)
}

func (m *minter) nextTransferID() string {
	m.transfers++
	return fmt.Sprintf("xfer:%d", m.transfers)
}
