// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/names/v5"
)

// registryDocID keys the singleton directory document.
const registryDocID = "registry"

type registryDoc struct {
	DocID                 string `bson:"_id"`
	Admin                 string `bson:"admin"`
	TotalAgents           int64  `bson:"total-agents"`
	CredentialCollection  string `bson:"credential-collection,omitempty"`
	CollectionInitialized bool   `bson:"collection-initialized"`
}

// Registry is the directory record for the ledger: it hands out
// sequential agent identifiers and gates one-time setup actions.
// There is exactly one per database.
type Registry struct {
	st  *State
	doc registryDoc
}

// InitializeRegistry creates the directory record with the supplied
// admin. It succeeds at most once per database.
func (st *State) InitializeRegistry(admin names.UserTag) (*Registry, error) {
	if admin.Id() == "" {
		return nil, errors.NotValidf("empty admin")
	}
	registry := &Registry{
		st: st,
		doc: registryDoc{
			DocID: registryDocID,
			Admin: admin.Id(),
		},
	}
	ops := []txn.Op{{
		C:      registryC,
		Id:     registryDocID,
		Assert: txn.DocMissing,
		Insert: &registry.doc,
	}}
	err := st.runTransaction(ops)
	if err == txn.ErrAborted {
		return nil, errors.AlreadyExistsf("registry")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("registry initialized with admin %q", admin.Id())
	return registry, nil
}

// Registry returns the directory record.
func (st *State) Registry() (*Registry, error) {
	registry := &Registry{st: st}
	if err := st.getRegistry(&registry.doc); err != nil {
		return nil, errors.Trace(err)
	}
	return registry, nil
}

func (st *State) getRegistry(doc *registryDoc) error {
	registries, closer := st.getCollection(registryC)
	defer closer()

	err := registries.FindId(registryDocID).One(doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("registry")
	}
	return errors.Trace(err)
}

// AdminTag returns the principal allowed to verify agents and adjust
// reputation directly.
func (r *Registry) AdminTag() names.UserTag {
	return names.NewUserTag(r.doc.Admin)
}

// TotalAgents returns the number of agents registered so far, which
// is also the identifier the next registration will receive.
func (r *Registry) TotalAgents() int64 {
	return r.doc.TotalAgents
}

// CredentialCollection returns the reference to the externally
// provisioned identity token collection, empty until set.
func (r *Registry) CredentialCollection() string {
	return r.doc.CredentialCollection
}

// CollectionInitialized reports whether the credential collection
// reference has been set. It transitions false to true exactly once.
func (r *Registry) CollectionInitialized() bool {
	return r.doc.CollectionInitialized
}

// Refresh reloads the directory record from the database.
func (r *Registry) Refresh() error {
	return r.st.getRegistry(&r.doc)
}

// SetCredentialCollection records the reference to the externally
// provisioned identity token collection. Only the admin may call it,
// and only once; agents cannot be registered until it has been set.
func (r *Registry) SetCredentialCollection(caller names.UserTag, ref string) error {
	if caller.Id() != r.doc.Admin {
		return errors.Unauthorizedf("%q is not the registry admin", caller.Id())
	}
	if ref == "" {
		return errors.NotValidf("empty collection reference")
	}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := r.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if r.doc.CollectionInitialized {
			return nil, ErrCollectionAlreadyInitialized
		}
		return []txn.Op{{
			C:      registryC,
			Id:     registryDocID,
			Assert: bson.D{{"collection-initialized", false}},
			Update: bson.D{{"$set", bson.D{
				{"credential-collection", ref},
				{"collection-initialized", true},
			}}},
		}}, nil
	}
	if err := r.st.run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	r.doc.CredentialCollection = ref
	r.doc.CollectionInitialized = true
	logger.Infof("credential collection set to %q", ref)
	return nil
}
