// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// The collections making up the trust ledger. The registry collection
// only ever holds the single directory document.
const (
	registryC       = "registry"
	agentsC         = "agents"
	challengesC     = "challenges"
	auditEntriesC   = "auditentries"
	auditSummariesC = "auditsummaries"
)
