// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/names/v5"
)

const (
	// InitialReputation is the score assigned at registration (50%).
	InitialReputation = 5000

	// MinReputation and MaxReputation bound the reputation score. A
	// score is a trust percentage times 100.
	MinReputation = 0
	MaxReputation = 10000

	// MaxReputationDelta bounds the magnitude of a single direct
	// reputation adjustment.
	MaxReputationDelta = 1000

	maxAgentNameLength    = 64
	maxCapabilitiesLength = 256

	modelHashPrefix = "sha256:"
	hexDigestLength = 64
)

// agentGlobalKey returns the document key for an agent. Agents are
// addressed by owner and sequential identifier.
func agentGlobalKey(owner string, id int64) string {
	return fmt.Sprintf("a#%s#%d", owner, id)
}

type agentDoc struct {
	DocID            string `bson:"_id"`
	AgentID          int64  `bson:"agent-id"`
	Owner            string `bson:"owner"`
	Name             string `bson:"name"`
	ModelHash        string `bson:"model-hash"`
	Capabilities     string `bson:"capabilities"`
	ReputationScore  int    `bson:"reputation-score"`
	ChallengesPassed int64  `bson:"challenges-passed"`
	ChallengesFailed int64  `bson:"challenges-failed"`
	Verified         bool   `bson:"verified"`
	CreatedAt        int64  `bson:"created-at"`
	UpdatedAt        int64  `bson:"updated-at"`
	CredentialToken  string `bson:"credential-token,omitempty"`
}

// Agent represents a registered autonomous agent: its identity
// metadata, reputation score and challenge counters. Agent records
// are never deleted.
type Agent struct {
	st  *State
	doc agentDoc
}

// RegisterAgentArgs holds the arguments for State.RegisterAgent.
type RegisterAgentArgs struct {
	// Owner is the principal registering the agent. Only the owner
	// may update the agent's metadata afterwards.
	Owner names.UserTag

	// Name is a display name of at most 64 characters.
	Name string

	// ModelHash identifies the agent's model file, in the form
	// "sha256:" followed by the 64 hex digit digest.
	ModelHash string

	// Capabilities is a free-form capability list of at most 256
	// characters.
	Capabilities string

	// CredentialToken references the externally provisioned identity
	// token for this agent. It is stored as supplied: this layer does
	// not verify that the token was issued under the registry's
	// credential collection, nor that the owner holds it. Known trust
	// gap carried over from the original protocol.
	CredentialToken string
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func validateModelHash(hash string) error {
	digest, ok := strings.CutPrefix(hash, modelHashPrefix)
	if !ok {
		return errors.NotValidf("model hash %q without %q prefix", hash, modelHashPrefix)
	}
	if len(digest) < hexDigestLength || !isHexString(digest) {
		return errors.NotValidf("model hash %q", hash)
	}
	return nil
}

// RegisterAgent creates a new agent record, consuming the directory's
// next identifier. The identifier consumption is atomic with record
// creation: no two registrations can observe the same counter value.
func (st *State) RegisterAgent(args RegisterAgentArgs) (*Agent, error) {
	if args.Owner.Id() == "" {
		return nil, errors.NotValidf("empty owner")
	}
	if len(args.Name) > maxAgentNameLength {
		return nil, errors.NotValidf("name longer than %d characters", maxAgentNameLength)
	}
	if err := validateModelHash(args.ModelHash); err != nil {
		return nil, errors.Trace(err)
	}
	if len(args.Capabilities) > maxCapabilitiesLength {
		return nil, errors.NotValidf("capabilities longer than %d characters", maxCapabilitiesLength)
	}

	agent := &Agent{st: st}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		registry, err := st.Registry()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !registry.doc.CollectionInitialized {
			return nil, ErrCollectionNotInitialized
		}
		id := registry.doc.TotalAgents
		if id == math.MaxInt64 {
			return nil, ErrRegistryFull
		}
		now := st.now().Unix()
		agent.doc = agentDoc{
			DocID:           agentGlobalKey(args.Owner.Id(), id),
			AgentID:         id,
			Owner:           args.Owner.Id(),
			Name:            args.Name,
			ModelHash:       args.ModelHash,
			Capabilities:    args.Capabilities,
			ReputationScore: InitialReputation,
			CreatedAt:       now,
			UpdatedAt:       now,
			CredentialToken: args.CredentialToken,
		}
		return []txn.Op{{
			C:  registryC,
			Id: registryDocID,
			Assert: bson.D{
				{"collection-initialized", true},
				{"total-agents", id},
			},
			Update: bson.D{{"$inc", bson.D{{"total-agents", 1}}}},
		}, {
			C:      agentsC,
			Id:     agent.doc.DocID,
			Assert: txn.DocMissing,
			Insert: &agent.doc,
		}}, nil
	}
	if err := st.run(buildTxn); err != nil {
		return nil, errors.Annotate(err, "cannot register agent")
	}
	logger.Infof("registered agent %d for %q", agent.doc.AgentID, agent.doc.Owner)
	return agent, nil
}

// Agent returns the agent registered by owner with the given
// identifier.
func (st *State) Agent(owner names.UserTag, id int64) (*Agent, error) {
	agent := &Agent{st: st}
	if err := st.getAgent(agentGlobalKey(owner.Id(), id), &agent.doc); err != nil {
		return nil, errors.Trace(err)
	}
	return agent, nil
}

func (st *State) getAgent(key string, doc *agentDoc) error {
	agents, closer := st.getCollection(agentsC)
	defer closer()

	err := agents.FindId(key).One(doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("agent %q", key)
	}
	return errors.Trace(err)
}

// AllAgents returns every registered agent, ordered by identifier.
func (st *State) AllAgents() ([]*Agent, error) {
	agents, closer := st.getCollection(agentsC)
	defer closer()

	var docs []agentDoc
	if err := agents.Find(nil).Sort("agent-id").All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]*Agent, len(docs))
	for i, doc := range docs {
		result[i] = &Agent{st: st, doc: doc}
	}
	return result, nil
}

// globalKey returns the agent's document key, used as the foreign key
// by challenge and audit records.
func (a *Agent) globalKey() string {
	return a.doc.DocID
}

// AgentID returns the agent's sequential identifier.
func (a *Agent) AgentID() int64 {
	return a.doc.AgentID
}

// OwnerTag returns the principal that registered the agent. The owner
// is immutable.
func (a *Agent) OwnerTag() names.UserTag {
	return names.NewUserTag(a.doc.Owner)
}

// Name returns the agent's display name.
func (a *Agent) Name() string {
	return a.doc.Name
}

// ModelHash returns the digest identifying the agent's model file.
func (a *Agent) ModelHash() string {
	return a.doc.ModelHash
}

// Capabilities returns the agent's capability list.
func (a *Agent) Capabilities() string {
	return a.doc.Capabilities
}

// ReputationScore returns the agent's current reputation in
// [MinReputation, MaxReputation].
func (a *Agent) ReputationScore() int {
	return a.doc.ReputationScore
}

// ChallengesPassed returns how many challenges the agent has passed.
func (a *Agent) ChallengesPassed() int64 {
	return a.doc.ChallengesPassed
}

// ChallengesFailed returns how many challenges the agent has failed,
// including challenges it let expire.
func (a *Agent) ChallengesFailed() int64 {
	return a.doc.ChallengesFailed
}

// Verified reports whether an admin has verified the agent.
func (a *Agent) Verified() bool {
	return a.doc.Verified
}

// CreatedAt returns when the agent was registered.
func (a *Agent) CreatedAt() time.Time {
	return time.Unix(a.doc.CreatedAt, 0).UTC()
}

// UpdatedAt returns when the agent record last changed.
func (a *Agent) UpdatedAt() time.Time {
	return time.Unix(a.doc.UpdatedAt, 0).UTC()
}

// CredentialToken returns the stored identity token reference. See
// RegisterAgentArgs.CredentialToken for the caveat on its validity.
func (a *Agent) CredentialToken() string {
	return a.doc.CredentialToken
}

// Refresh reloads the agent record from the database.
func (a *Agent) Refresh() error {
	return a.st.getAgent(a.doc.DocID, &a.doc)
}

// UpdateAgentArgs holds the optional metadata changes for
// Agent.Update. Nil fields are left unchanged.
type UpdateAgentArgs struct {
	Name         *string
	Capabilities *string
}

// Update changes the agent's metadata. Only the owner may call it.
func (a *Agent) Update(caller names.UserTag, args UpdateAgentArgs) error {
	if caller.Id() != a.doc.Owner {
		return errors.Unauthorizedf("%q is not the owner of agent %d", caller.Id(), a.doc.AgentID)
	}
	if args.Name != nil && len(*args.Name) > maxAgentNameLength {
		return errors.NotValidf("name longer than %d characters", maxAgentNameLength)
	}
	if args.Capabilities != nil && len(*args.Capabilities) > maxCapabilitiesLength {
		return errors.NotValidf("capabilities longer than %d characters", maxCapabilitiesLength)
	}
	if args.Name == nil && args.Capabilities == nil {
		return nil
	}

	var now int64
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := a.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		now = a.st.now().Unix()
		set := bson.D{{"updated-at", now}}
		if args.Name != nil {
			set = append(set, bson.DocElem{"name", *args.Name})
		}
		if args.Capabilities != nil {
			set = append(set, bson.DocElem{"capabilities", *args.Capabilities})
		}
		return []txn.Op{{
			C:      agentsC,
			Id:     a.doc.DocID,
			Assert: txn.DocExists,
			Update: bson.D{{"$set", set}},
		}}, nil
	}
	if err := a.st.run(buildTxn); err != nil {
		return errors.Annotatef(err, "cannot update agent %d", a.doc.AgentID)
	}
	if args.Name != nil {
		a.doc.Name = *args.Name
	}
	if args.Capabilities != nil {
		a.doc.Capabilities = *args.Capabilities
	}
	a.doc.UpdatedAt = now
	return nil
}

// SetVerified marks the agent as verified. Only the registry admin
// may call it, and verification is one-way.
func (a *Agent) SetVerified(caller names.UserTag) error {
	registry, err := a.st.Registry()
	if err != nil {
		return errors.Trace(err)
	}
	if caller.Id() != registry.doc.Admin {
		return errors.Unauthorizedf("%q is not the registry admin", caller.Id())
	}

	var now int64
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := a.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if a.doc.Verified {
			return nil, ErrAlreadyVerified
		}
		now = a.st.now().Unix()
		return []txn.Op{{
			C:      agentsC,
			Id:     a.doc.DocID,
			Assert: bson.D{{"verified", false}},
			Update: bson.D{{"$set", bson.D{
				{"verified", true},
				{"updated-at", now},
			}}},
		}}, nil
	}
	if err := a.st.run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	a.doc.Verified = true
	a.doc.UpdatedAt = now
	logger.Infof("agent %d verified by %q", a.doc.AgentID, caller.Id())
	return nil
}

// clampReputation applies delta to score, saturating at the
// reputation bounds. All reputation arithmetic goes through here.
func clampReputation(score, delta int) int {
	value := score + delta
	if value < MinReputation {
		return MinReputation
	}
	if value > MaxReputation {
		return MaxReputation
	}
	return value
}

// reputationOps returns the op applying delta to the agent's score
// and challenge counters. The assert pins the score the new value was
// computed from; callers run the op inside a build/retry loop and
// refresh the agent on retry.
func (a *Agent) reputationOps(delta int, now int64) []txn.Op {
	set := bson.D{
		{"reputation-score", clampReputation(a.doc.ReputationScore, delta)},
		{"updated-at", now},
	}
	update := bson.D{{"$set", set}}
	if delta > 0 {
		update = append(update, bson.DocElem{"$inc", bson.D{{"challenges-passed", 1}}})
	} else if delta < 0 {
		update = append(update, bson.DocElem{"$inc", bson.D{{"challenges-failed", 1}}})
	}
	return []txn.Op{{
		C:      agentsC,
		Id:     a.doc.DocID,
		Assert: bson.D{{"reputation-score", a.doc.ReputationScore}},
		Update: update,
	}}
}

// applyReputationDelta folds a committed reputation change into the
// cached document.
func (a *Agent) applyReputationDelta(delta int, now int64) {
	a.doc.ReputationScore = clampReputation(a.doc.ReputationScore, delta)
	if delta > 0 {
		a.doc.ChallengesPassed++
	} else if delta < 0 {
		a.doc.ChallengesFailed++
	}
	a.doc.UpdatedAt = now
}

// UpdateReputation applies a bounded reputation change to the agent.
// This is the externally gated path into the reputation arithmetic:
// only the registry admin may call it. Challenge resolution applies
// the same arithmetic internally. The score saturates at the
// reputation bounds, and the passed or failed counter is incremented
// according to the sign of delta.
func (a *Agent) UpdateReputation(caller names.UserTag, delta int) error {
	if delta > MaxReputationDelta || delta < -MaxReputationDelta {
		return ErrDeltaTooLarge
	}
	registry, err := a.st.Registry()
	if err != nil {
		return errors.Trace(err)
	}
	if caller.Id() != registry.doc.Admin {
		return errors.Unauthorizedf("%q is not the registry admin", caller.Id())
	}

	var now int64
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := a.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		now = a.st.now().Unix()
		return a.reputationOps(delta, now), nil
	}
	if err := a.st.run(buildTxn); err != nil {
		return errors.Annotatef(err, "cannot update reputation of agent %d", a.doc.AgentID)
	}
	old := a.doc.ReputationScore
	a.applyReputationDelta(delta, now)
	logger.Infof("agent %d reputation %d -> %d (delta %d)", a.doc.AgentID, old, a.doc.ReputationScore, delta)
	return nil
}
