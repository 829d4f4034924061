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

	coreaudit "github.com/juju/agenttrust/core/audit"
)

// auditEntryGlobalKey returns the document key for the entry at the
// given index of an agent's trail. Entries are indexed from 0 in the
// order they were logged.
func auditEntryGlobalKey(agentKey string, index int64) string {
	return fmt.Sprintf("ae#%s#%d", agentKey, index)
}

func auditSummaryGlobalKey(agentKey string) string {
	return "as#" + agentKey
}

type auditEntryDoc struct {
	DocID       string              `bson:"_id"`
	AgentKey    string              `bson:"agent-key"`
	Actor       string              `bson:"actor"`
	Action      coreaudit.Action    `bson:"action"`
	RiskScore   int                 `bson:"risk-score"`
	RiskLevel   coreaudit.RiskLevel `bson:"risk-level"`
	Timestamp   int64               `bson:"timestamp"`
	DetailsHash string              `bson:"details-hash"`
	AuditIndex  int64               `bson:"audit-index"`
}

// AuditEntry is one immutable record in an agent's audit trail. An
// entry is never modified or removed once logged.
type AuditEntry struct {
	doc auditEntryDoc
}

type auditSummaryDoc struct {
	DocID          string `bson:"_id"`
	AgentKey       string `bson:"agent-key"`
	TotalEntries   int64  `bson:"total-entries"`
	SecurityAlerts int64  `bson:"security-alerts"`
	AvgRiskScore   int    `bson:"avg-risk-score"`
	MaxRiskScore   int    `bson:"max-risk-score"`
	SafeStreak     int64  `bson:"safe-streak"`
	LastAuditAt    int64  `bson:"last-audit-at"`
}

// recordEntry folds one risk score into the summary aggregates. The
// average is the incremental integer form
//
//	avg' = floor((avg*(n-1) + score) / n)
//
// with n the new entry count. Applied entry by entry this reproduces
// the integer-truncated mean of the full history, and the summary
// never needs the individual samples.
func recordEntry(doc auditSummaryDoc, score int, alert bool, now int64) auditSummaryDoc {
	doc.TotalEntries++
	if alert {
		doc.SecurityAlerts++
		doc.SafeStreak = 0
	} else if score <= coreaudit.SafeScore {
		doc.SafeStreak++
	}
	if score > doc.MaxRiskScore {
		doc.MaxRiskScore = score
	}
	n := doc.TotalEntries
	doc.AvgRiskScore = int((int64(doc.AvgRiskScore)*(n-1) + int64(score)) / n)
	doc.LastAuditAt = now
	return doc
}

func trusted(doc auditSummaryDoc) bool {
	return doc.AvgRiskScore <= 25 && doc.SafeStreak >= 10 && doc.SecurityAlerts == 0
}

// AuditStatus is the read-only aggregate view of an agent's audit
// trail.
type AuditStatus struct {
	TotalEntries   int64
	SecurityAlerts int64
	AvgRiskScore   int
	MaxRiskScore   int
	SafeStreak     int64
	IsTrusted      bool
	LastAuditAt    time.Time
}

// LogAuditArgs holds the arguments for State.LogAudit.
type LogAuditArgs struct {
	// Actor is the principal performing the audited action.
	Actor names.UserTag

	// Owner and AgentID address the agent the action concerns.
	Owner   names.UserTag
	AgentID int64

	// Action classifies the entry; it must be one of the closed set
	// in core/audit.
	Action coreaudit.Action

	// ContextRisk is caller-supplied additional risk in [0,100],
	// added to the action's base weight.
	ContextRisk int

	// DetailsHash is the 64 hex digit digest of the off-ledger detail
	// record for this entry.
	DetailsHash string
}

// LogAudit appends an entry to the agent's audit trail and updates
// the trail's summary, creating the summary on the first entry. The
// entry lands at the trail's next sequential index; append and
// summary update commit in one transaction.
func (st *State) LogAudit(args LogAuditArgs) (*AuditEntry, error) {
	if args.Actor.Id() == "" {
		return nil, errors.NotValidf("empty actor")
	}
	if err := args.Action.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if args.ContextRisk < 0 || args.ContextRisk > coreaudit.MaxRiskScore {
		return nil, errors.NotValidf("context risk %d", args.ContextRisk)
	}
	if len(args.DetailsHash) != hexDigestLength || !isHexString(args.DetailsHash) {
		return nil, errors.NotValidf("details hash %q", args.DetailsHash)
	}
	agent, err := st.Agent(args.Owner, args.AgentID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	score := coreaudit.Score(args.Action, args.ContextRisk)
	level := coreaudit.LevelForScore(score)
	alert := coreaudit.IsAlert(args.Action, score)

	entry := &AuditEntry{}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		summary, found, err := st.getAuditSummary(agent.globalKey())
		if err != nil {
			return nil, errors.Trace(err)
		}
		now := st.now().Unix()
		entry.doc = auditEntryDoc{
			DocID:       auditEntryGlobalKey(agent.globalKey(), summary.TotalEntries),
			AgentKey:    agent.globalKey(),
			Actor:       args.Actor.Id(),
			Action:      args.Action,
			RiskScore:   score,
			RiskLevel:   level,
			Timestamp:   now,
			DetailsHash: args.DetailsHash,
			AuditIndex:  summary.TotalEntries,
		}
		updated := recordEntry(summary, score, alert, now)
		ops := []txn.Op{{
			C:      agentsC,
			Id:     agent.globalKey(),
			Assert: txn.DocExists,
		}, {
			C:      auditEntriesC,
			Id:     entry.doc.DocID,
			Assert: txn.DocMissing,
			Insert: &entry.doc,
		}}
		if !found {
			ops = append(ops, txn.Op{
				C:      auditSummariesC,
				Id:     updated.DocID,
				Assert: txn.DocMissing,
				Insert: &updated,
			})
		} else {
			ops = append(ops, txn.Op{
				C:      auditSummariesC,
				Id:     updated.DocID,
				Assert: bson.D{{"total-entries", summary.TotalEntries}},
				Update: bson.D{{"$set", bson.D{
					{"total-entries", updated.TotalEntries},
					{"security-alerts", updated.SecurityAlerts},
					{"avg-risk-score", updated.AvgRiskScore},
					{"max-risk-score", updated.MaxRiskScore},
					{"safe-streak", updated.SafeStreak},
					{"last-audit-at", updated.LastAuditAt},
				}}},
			})
		}
		return ops, nil
	}
	if err := st.run(buildTxn); err != nil {
		return nil, errors.Annotatef(err, "cannot log audit entry for agent %d", args.AgentID)
	}
	logger.Debugf("audit entry %d for agent %d: %s risk %d",
		entry.doc.AuditIndex, args.AgentID, args.Action, score)
	return entry, nil
}

// getAuditSummary loads the agent's summary document, returning a
// zeroed one (and found false) before the first entry is logged.
func (st *State) getAuditSummary(agentKey string) (auditSummaryDoc, bool, error) {
	summaries, closer := st.getCollection(auditSummariesC)
	defer closer()

	var doc auditSummaryDoc
	err := summaries.FindId(auditSummaryGlobalKey(agentKey)).One(&doc)
	if err == mgo.ErrNotFound {
		return auditSummaryDoc{
			DocID:    auditSummaryGlobalKey(agentKey),
			AgentKey: agentKey,
		}, false, nil
	}
	if err != nil {
		return auditSummaryDoc{}, false, errors.Trace(err)
	}
	return doc, true, nil
}

// AuditStatus returns the aggregate view of the agent's audit trail.
// It fails with a not found error until the first entry is logged.
func (st *State) AuditStatus(owner names.UserTag, agentID int64) (AuditStatus, error) {
	agent, err := st.Agent(owner, agentID)
	if err != nil {
		return AuditStatus{}, errors.Trace(err)
	}
	doc, found, err := st.getAuditSummary(agent.globalKey())
	if err != nil {
		return AuditStatus{}, errors.Trace(err)
	}
	if !found {
		return AuditStatus{}, errors.NotFoundf("audit summary for agent %d", agentID)
	}
	return AuditStatus{
		TotalEntries:   doc.TotalEntries,
		SecurityAlerts: doc.SecurityAlerts,
		AvgRiskScore:   doc.AvgRiskScore,
		MaxRiskScore:   doc.MaxRiskScore,
		SafeStreak:     doc.SafeStreak,
		IsTrusted:      trusted(doc),
		LastAuditAt:    time.Unix(doc.LastAuditAt, 0).UTC(),
	}, nil
}

// AuditEntry returns the entry at the given index of the agent's
// trail.
func (st *State) AuditEntry(owner names.UserTag, agentID int64, index int64) (*AuditEntry, error) {
	agent, err := st.Agent(owner, agentID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries, closer := st.getCollection(auditEntriesC)
	defer closer()

	entry := &AuditEntry{}
	err = entries.FindId(auditEntryGlobalKey(agent.globalKey(), index)).One(&entry.doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("audit entry %d for agent %d", index, agentID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return entry, nil
}

// AuditEntries returns the agent's full audit trail in index order.
func (st *State) AuditEntries(owner names.UserTag, agentID int64) ([]*AuditEntry, error) {
	agent, err := st.Agent(owner, agentID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries, closer := st.getCollection(auditEntriesC)
	defer closer()

	var docs []auditEntryDoc
	sel := bson.D{{"agent-key", agent.globalKey()}}
	if err := entries.Find(sel).Sort("audit-index").All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]*AuditEntry, len(docs))
	for i, doc := range docs {
		result[i] = &AuditEntry{doc: doc}
	}
	return result, nil
}

// ActorTag returns the principal that performed the audited action.
func (e *AuditEntry) ActorTag() names.UserTag {
	return names.NewUserTag(e.doc.Actor)
}

// Action returns the entry's action classification.
func (e *AuditEntry) Action() coreaudit.Action {
	return e.doc.Action
}

// RiskScore returns the computed risk score in [0,100].
func (e *AuditEntry) RiskScore() int {
	return e.doc.RiskScore
}

// RiskLevel returns the band the risk score falls in.
func (e *AuditEntry) RiskLevel() coreaudit.RiskLevel {
	return e.doc.RiskLevel
}

// Timestamp returns when the entry was logged.
func (e *AuditEntry) Timestamp() time.Time {
	return time.Unix(e.doc.Timestamp, 0).UTC()
}

// DetailsHash returns the digest of the off-ledger detail record.
func (e *AuditEntry) DetailsHash() string {
	return e.doc.DetailsHash
}

// AuditIndex returns the entry's position in the agent's trail.
func (e *AuditEntry) AuditIndex() int64 {
	return e.doc.AuditIndex
}
