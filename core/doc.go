// Package core contains the canonical banksync domain contracts, entities,
// and orchestration logic: connection lifecycle, consent flows, credential
// refresh, and transaction synchronization. Lower-level adapters must depend
// on this package; core must not depend on provider-specific or
// transport-specific adapters.
package core
