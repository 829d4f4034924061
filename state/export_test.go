// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/mgo/v3/bson"
)

// SetTotalAgents overwrites the directory's agent counter, letting
// tests drive the registry towards capacity.
func SetTotalAgents(st *State, n int64) error {
	registries, closer := st.getCollection(registryC)
	defer closer()
	return registries.UpdateId(registryDocID, bson.D{{"$set", bson.D{{"total-agents", n}}}})
}
