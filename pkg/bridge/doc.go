// Copyright 2024-2026 Aiku AI

// Package bridge implements the protocol-agnostic synchronization core of a
// Matrix puppeting bridge: it maps remote rooms and users onto Matrix rooms
// and ghost accounts, keeps their profiles reconciled, and dedupes media
// uploads by content.
//
// The package has no transport or protocol code of its own. Integrators
// supply a ClientProvider for homeserver access, store.Stores for
// persistence, and feed RemoteRoom/RemoteUser observations into the Rooms
// and Users engines. Everything keyed on the same remote entity runs under a
// per-entity lock, so concurrent observations of the same room or user can
// never create duplicates.
package bridge
