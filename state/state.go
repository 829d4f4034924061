// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements the trust ledger for autonomous agents: the
// registry directory, per-agent reputation records, the challenge
// verification state machine and the risk-scored audit trail.
//
// Every operation is an atomic transaction against the backing mongo
// database. Read-modify-write sequences assert the values they read,
// so a concurrent writer causes the operation to rebuild and retry
// rather than commit a stale update; an operation either commits all
// of its writes or none of them.
package state

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"
)

var logger = loggo.GetLogger("agenttrust.state")

// OpenParams holds the dependencies for opening the trust ledger.
type OpenParams struct {
	// Session is a logged-in mongo session. The state takes its own
	// copy; the caller remains responsible for closing the original.
	Session *mgo.Session

	// Database names the database holding the ledger collections.
	Database string

	// Clock supplies the trusted wall clock read at the start of every
	// time-sensitive operation.
	Clock clock.Clock
}

func (p OpenParams) validate() error {
	if p.Session == nil {
		return errors.NotValidf("nil Session")
	}
	if p.Database == "" {
		return errors.NotValidf("empty Database")
	}
	if p.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// State exposes the trust ledger. It is safe to use from multiple
// goroutines; every mutating method is a self-contained transaction.
type State struct {
	session *mgo.Session
	dbName  string
	runner  jujutxn.Runner
	clock   clock.Clock
}

// Open connects a State to the database described by args.
func Open(args OpenParams) (*State, error) {
	if err := args.validate(); err != nil {
		return nil, errors.Annotate(err, "validating open params")
	}
	session := args.Session.Copy()
	st := &State{
		session: session,
		dbName:  args.Database,
		clock:   args.Clock,
	}
	st.runner = jujutxn.NewRunner(jujutxn.RunnerParams{
		Database: session.DB(args.Database),
		Clock:    args.Clock,
	})
	return st, nil
}

// Close releases the state's mongo session. The State must not be
// used afterwards.
func (st *State) Close() error {
	st.session.Close()
	return nil
}

// getCollection returns the named collection on a fresh session copy,
// along with a closer the caller must run when finished reading.
func (st *State) getCollection(name string) (*mgo.Collection, func()) {
	session := st.session.Copy()
	return session.DB(st.dbName).C(name), session.Close
}

// runTransaction runs ops as a single transaction with no retries.
func (st *State) runTransaction(ops []txn.Op) error {
	return st.runner.RunTransaction(&jujutxn.Transaction{Ops: ops})
}

// run executes the transactions returned by buildTxn, retrying with a
// fresh attempt whenever an assertion fails against a changed
// document.
func (st *State) run(buildTxn jujutxn.TransactionSource) error {
	return st.runner.Run(buildTxn)
}

// now returns the current time from the injected clock, rounded to
// the second and in UTC. Record timestamps are stored as unix
// seconds, so anything finer is noise.
func (st *State) now() time.Time {
	return st.clock.Now().Round(time.Second).UTC()
}
