// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/names/v5"

	corechallenge "github.com/juju/agenttrust/core/challenge"
)

const (
	// DefaultChallengeDuration is how long an agent has to respond to
	// a challenge before anyone may expire it.
	DefaultChallengeDuration = time.Hour

	// PassReputationDelta is the reputation gained by passing a
	// challenge.
	PassReputationDelta = 100

	// FailReputationDelta is the reputation lost by failing a
	// challenge. Letting a challenge expire costs the same: silence
	// is penalized exactly like a wrong answer, so an agent cannot
	// dodge the penalty by staying unavailable.
	FailReputationDelta = -50

	maxQuestionLength   = 256
	challengeHashLength = 64
)

// challengeGlobalKey returns the document key for a challenge. The
// (agent, challenger, nonce) triple identifies it, so one pair may
// run several concurrent challenges distinguished by nonce.
func challengeGlobalKey(agentKey, challenger string, nonce uint64) string {
	return fmt.Sprintf("c#%s#%s#%d", agentKey, challenger, nonce)
}

type challengeDoc struct {
	DocID        string               `bson:"_id"`
	AgentKey     string               `bson:"agent-key"`
	Challenger   string               `bson:"challenger"`
	Question     string               `bson:"question"`
	ExpectedHash string               `bson:"expected-hash"`
	Status       corechallenge.Status `bson:"status"`
	CreatedAt    int64                `bson:"created-at"`
	ExpiresAt    int64                `bson:"expires-at"`
	RespondedAt  int64                `bson:"responded-at"`
	Nonce        uint64               `bson:"nonce"`
}

// Challenge is a verification challenge issued against an agent. It
// is created by a challenger, resolved by the agent owner's response
// or by expiry, and finally closed by the challenger to reclaim the
// record's storage.
type Challenge struct {
	st  *State
	doc challengeDoc
}

// CreateChallengeArgs holds the arguments for State.CreateChallenge.
type CreateChallengeArgs struct {
	// Challenger is the principal issuing the challenge. Only the
	// challenger may later close it.
	Challenger names.UserTag

	// Owner and AgentID address the agent being challenged.
	Owner   names.UserTag
	AgentID int64

	// Question is the challenge prompt, at most 256 characters.
	Question string

	// ExpectedHash is the 64 character digest of the expected answer,
	// computed off-ledger.
	ExpectedHash string

	// Nonce distinguishes concurrent challenges from the same
	// challenger against the same agent.
	Nonce uint64
}

// CreateChallenge issues a new pending challenge against an agent.
// The challenge expires DefaultChallengeDuration after creation.
func (st *State) CreateChallenge(args CreateChallengeArgs) (*Challenge, error) {
	if args.Challenger.Id() == "" {
		return nil, errors.NotValidf("empty challenger")
	}
	if len(args.Question) > maxQuestionLength {
		return nil, errors.NotValidf("question longer than %d characters", maxQuestionLength)
	}
	if len(args.ExpectedHash) != challengeHashLength {
		return nil, errors.NotValidf("expected hash of length %d", len(args.ExpectedHash))
	}
	agent, err := st.Agent(args.Owner, args.AgentID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	now := st.now().Unix()
	doc := challengeDoc{
		DocID:        challengeGlobalKey(agent.globalKey(), args.Challenger.Id(), args.Nonce),
		AgentKey:     agent.globalKey(),
		Challenger:   args.Challenger.Id(),
		Question:     args.Question,
		ExpectedHash: args.ExpectedHash,
		Status:       corechallenge.Pending,
		CreatedAt:    now,
		ExpiresAt:    now + int64(DefaultChallengeDuration/time.Second),
		Nonce:        args.Nonce,
	}
	ops := []txn.Op{{
		C:      agentsC,
		Id:     agent.globalKey(),
		Assert: txn.DocExists,
	}, {
		C:      challengesC,
		Id:     doc.DocID,
		Assert: txn.DocMissing,
		Insert: &doc,
	}}
	err = st.runTransaction(ops)
	if err == txn.ErrAborted {
		// Agent records are never removed, so the insert is what
		// aborted.
		return nil, errors.AlreadyExistsf("challenge from %q against agent %d with nonce %d",
			args.Challenger.Id(), args.AgentID, args.Nonce)
	}
	if err != nil {
		return nil, errors.Annotate(err, "cannot create challenge")
	}
	logger.Infof("challenge created against agent %d by %q (nonce %d)", args.AgentID, args.Challenger.Id(), args.Nonce)
	return &Challenge{st: st, doc: doc}, nil
}

// Challenge returns the challenge issued by challenger against the
// given agent with the given nonce.
func (st *State) Challenge(owner names.UserTag, agentID int64, challenger names.UserTag, nonce uint64) (*Challenge, error) {
	key := challengeGlobalKey(agentGlobalKey(owner.Id(), agentID), challenger.Id(), nonce)
	ch := &Challenge{st: st}
	if err := st.getChallenge(key, &ch.doc); err != nil {
		return nil, errors.Trace(err)
	}
	return ch, nil
}

func (st *State) getChallenge(key string, doc *challengeDoc) error {
	challenges, closer := st.getCollection(challengesC)
	defer closer()

	err := challenges.FindId(key).One(doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("challenge %q", key)
	}
	return errors.Trace(err)
}

// PendingChallenges returns the unresolved challenges against the
// agent, oldest first. Agent processes poll this to find work.
func (st *State) PendingChallenges(agent *Agent) ([]*Challenge, error) {
	return st.challenges(bson.D{
		{"agent-key", agent.globalKey()},
		{"status", corechallenge.Pending},
	})
}

// AgentChallenges returns every challenge on record against the
// agent, resolved or not, oldest first.
func (st *State) AgentChallenges(agent *Agent) ([]*Challenge, error) {
	return st.challenges(bson.D{{"agent-key", agent.globalKey()}})
}

func (st *State) challenges(sel bson.D) ([]*Challenge, error) {
	challenges, closer := st.getCollection(challengesC)
	defer closer()

	var docs []challengeDoc
	if err := challenges.Find(sel).Sort("created-at", "_id").All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]*Challenge, len(docs))
	for i, doc := range docs {
		result[i] = &Challenge{st: st, doc: doc}
	}
	return result, nil
}

// ChallengerTag returns the principal that issued the challenge.
func (ch *Challenge) ChallengerTag() names.UserTag {
	return names.NewUserTag(ch.doc.Challenger)
}

// Question returns the challenge prompt.
func (ch *Challenge) Question() string {
	return ch.doc.Question
}

// ExpectedHash returns the digest a correct response must match.
func (ch *Challenge) ExpectedHash() string {
	return ch.doc.ExpectedHash
}

// Status returns the challenge's current status.
func (ch *Challenge) Status() corechallenge.Status {
	return ch.doc.Status
}

// Nonce returns the caller-chosen discriminator for this challenge.
func (ch *Challenge) Nonce() uint64 {
	return ch.doc.Nonce
}

// CreatedAt returns when the challenge was issued.
func (ch *Challenge) CreatedAt() time.Time {
	return time.Unix(ch.doc.CreatedAt, 0).UTC()
}

// ExpiresAt returns the response deadline.
func (ch *Challenge) ExpiresAt() time.Time {
	return time.Unix(ch.doc.ExpiresAt, 0).UTC()
}

// RespondedAt returns when the challenge was resolved, zero while it
// is still pending.
func (ch *Challenge) RespondedAt() time.Time {
	if ch.doc.RespondedAt == 0 {
		return time.Time{}
	}
	return time.Unix(ch.doc.RespondedAt, 0).UTC()
}

// Refresh reloads the challenge record from the database.
func (ch *Challenge) Refresh() error {
	return ch.st.getChallenge(ch.doc.DocID, &ch.doc)
}

// agent loads the record of the challenged agent.
func (ch *Challenge) agent() (*Agent, error) {
	agent := &Agent{st: ch.st}
	if err := ch.st.getAgent(ch.doc.AgentKey, &agent.doc); err != nil {
		return nil, errors.Trace(err)
	}
	return agent, nil
}

// Respond resolves the challenge with the agent's answer digest. Only
// the owner of the challenged agent may call it, and only while the
// challenge is pending and unexpired. A digest equal to the expected
// hash passes the challenge and gains PassReputationDelta; anything
// else fails it and costs FailReputationDelta. The status change and
// the reputation adjustment commit in one transaction.
func (ch *Challenge) Respond(caller names.UserTag, responseHash string) error {
	if len(responseHash) != challengeHashLength {
		return errors.NotValidf("response hash of length %d", len(responseHash))
	}
	agent, err := ch.agent()
	if err != nil {
		return errors.Trace(err)
	}
	if caller.Id() != agent.doc.Owner {
		return errors.Unauthorizedf("%q is not the owner of the challenged agent", caller.Id())
	}

	var (
		status corechallenge.Status
		delta  int
		now    int64
	)
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := ch.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
			if err := agent.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if ch.doc.Status.Terminal() {
			return nil, ErrChallengeNotPending
		}
		now = ch.st.now().Unix()
		if now > ch.doc.ExpiresAt {
			return nil, ErrChallengeExpired
		}
		status, delta = corechallenge.Failed, FailReputationDelta
		if responseHash == ch.doc.ExpectedHash {
			status, delta = corechallenge.Passed, PassReputationDelta
		}
		ops := []txn.Op{{
			C:      challengesC,
			Id:     ch.doc.DocID,
			Assert: bson.D{{"status", corechallenge.Pending}},
			Update: bson.D{{"$set", bson.D{
				{"status", status},
				{"responded-at", now},
			}}},
		}}
		return append(ops, agent.reputationOps(delta, now)...), nil
	}
	if err := ch.st.run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	ch.doc.Status = status
	ch.doc.RespondedAt = now
	agent.applyReputationDelta(delta, now)
	logger.Infof("challenge against agent %d %s; reputation now %d",
		agent.doc.AgentID, status, agent.doc.ReputationScore)
	return nil
}

// Expire resolves an unanswered challenge whose deadline has passed.
// Any principal may call it; cleanup of stale challenges must not
// depend on the challenger still being around. The agent takes the
// same reputation penalty as for a failed response.
func (ch *Challenge) Expire(caller names.UserTag) error {
	agent, err := ch.agent()
	if err != nil {
		return errors.Trace(err)
	}

	var now int64
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := ch.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
			if err := agent.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if !ch.doc.Status.CanTransition(corechallenge.Expired) {
			return nil, ErrChallengeNotPending
		}
		now = ch.st.now().Unix()
		if now <= ch.doc.ExpiresAt {
			return nil, ErrChallengeNotExpired
		}
		ops := []txn.Op{{
			C:      challengesC,
			Id:     ch.doc.DocID,
			Assert: bson.D{{"status", corechallenge.Pending}},
			Update: bson.D{{"$set", bson.D{
				{"status", corechallenge.Expired},
				{"responded-at", now},
			}}},
		}}
		return append(ops, agent.reputationOps(FailReputationDelta, now)...), nil
	}
	if err := ch.st.run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	ch.doc.Status = corechallenge.Expired
	ch.doc.RespondedAt = now
	agent.applyReputationDelta(FailReputationDelta, now)
	logger.Infof("challenge against agent %d expired by %q; reputation now %d",
		agent.doc.AgentID, caller.Id(), agent.doc.ReputationScore)
	return nil
}

// Close removes a resolved challenge, releasing the record's backing
// storage to the challenger who paid for it. Only the original
// challenger may call it, and only once the challenge has left the
// pending state. Closing has no effect on reputation.
func (ch *Challenge) Close(caller names.UserTag) error {
	if caller.Id() != ch.doc.Challenger {
		return errors.Unauthorizedf("%q did not issue this challenge", caller.Id())
	}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			if err := ch.Refresh(); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if !ch.doc.Status.Terminal() {
			return nil, ErrChallengeStillPending
		}
		return []txn.Op{{
			C:      challengesC,
			Id:     ch.doc.DocID,
			Assert: bson.D{{"status", bson.D{{"$ne", corechallenge.Pending}}}},
			Remove: true,
		}}, nil
	}
	return errors.Trace(ch.st.run(buildTxn))
}
