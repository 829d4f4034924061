// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package audit holds the value types for the agent audit trail: the
// closed action enumeration, risk scoring and the risk level bands.
// Persistence of audit entries lives in the state package; everything
// here is pure.
package audit

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Action classifies an entry in an agent's audit trail. The set of
// actions is closed; values outside it are rejected at the boundary.
type Action string

const (
	// AgentRegistered records an agent joining the registry.
	AgentRegistered Action = "agent-registered"

	// AgentUpdated records a change to an agent's metadata.
	AgentUpdated Action = "agent-updated"

	// AgentVerified records an admin verifying an agent.
	AgentVerified Action = "agent-verified"

	// ChallengeCreated records a new verification challenge.
	ChallengeCreated Action = "challenge-created"

	// ChallengePassed records a correct challenge response.
	ChallengePassed Action = "challenge-passed"

	// ChallengeFailed records an incorrect challenge response.
	ChallengeFailed Action = "challenge-failed"

	// ReputationIncreased records a positive reputation adjustment.
	ReputationIncreased Action = "reputation-increased"

	// ReputationDecreased records a negative reputation adjustment.
	ReputationDecreased Action = "reputation-decreased"

	// SecurityAlert records a suspected security incident. Entries
	// with this action always count as alerts.
	SecurityAlert Action = "security-alert"

	// Custom records an action outside the fixed vocabulary; its risk
	// comes entirely from the caller-supplied context.
	Custom Action = "custom"
)

var validActions = set.NewStrings(
	string(AgentRegistered),
	string(AgentUpdated),
	string(AgentVerified),
	string(ChallengeCreated),
	string(ChallengePassed),
	string(ChallengeFailed),
	string(ReputationIncreased),
	string(ReputationDecreased),
	string(SecurityAlert),
	string(Custom),
)

func (a Action) String() string {
	return string(a)
}

// Validate returns an error if the action is not a known value.
func (a Action) Validate() error {
	if !validActions.Contains(string(a)) {
		return errors.NotValidf("audit action %q", string(a))
	}
	return nil
}

const (
	// MaxRiskScore bounds every computed risk score.
	MaxRiskScore = 100

	// AlertThreshold is the score at or above which an entry counts
	// as a security alert regardless of its action.
	AlertThreshold = 75

	// SafeScore is the highest score still counted towards an
	// agent's safe streak.
	SafeScore = 10
)

// baseRisk holds the fixed risk weight carried by each action. Custom
// has no fixed weight; its base is the caller-supplied context risk.
var baseRisk = map[Action]int{
	AgentRegistered:     0,
	AgentUpdated:        5,
	AgentVerified:       0,
	ChallengeCreated:    10,
	ChallengePassed:     0,
	ChallengeFailed:     25,
	ReputationIncreased: 0,
	ReputationDecreased: 20,
	SecurityAlert:       75,
}

// Score computes the risk score for an action with the supplied
// context risk, saturating at MaxRiskScore. For Custom actions the
// context risk stands in for the base weight and is then added again,
// so a custom entry scores min(100, 2*contextRisk); existing trails
// were built against that scoring, so it is kept as is.
func Score(action Action, contextRisk int) int {
	base, ok := baseRisk[action]
	if !ok {
		base = contextRisk
	}
	score := base + contextRisk
	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	return score
}

// IsAlert reports whether an entry with the given action and score
// counts as a security alert.
func IsAlert(action Action, score int) bool {
	return action == SecurityAlert || score >= AlertThreshold
}

// RiskLevel buckets a risk score for display and filtering.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (l RiskLevel) String() string {
	return string(l)
}

// LevelForScore returns the band a score falls in: 0 none, 1-25 low,
// 26-50 medium, 51-75 high and 76-100 critical.
func LevelForScore(score int) RiskLevel {
	switch {
	case score <= 0:
		return RiskNone
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= AlertThreshold:
		return RiskHigh
	}
	return RiskCritical
}
