// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package challenge holds the value types describing the lifecycle of
// a verification challenge issued against a registered agent.
package challenge

import (
	"github.com/juju/errors"
)

// Status records the progress of a verification challenge. Every
// challenge starts out Pending and resolves to exactly one of the
// terminal states; a resolved challenge never becomes Pending again.
type Status string

const (
	// Pending indicates the challenge is awaiting the agent's response.
	Pending Status = "pending"

	// Passed indicates the agent supplied the expected response.
	Passed Status = "passed"

	// Failed indicates the agent supplied a response that did not
	// match the expected one.
	Failed Status = "failed"

	// Expired indicates the challenge deadline passed without any
	// response from the agent.
	Expired Status = "expired"
)

// String is deliberately the bson/wire representation too.
func (s Status) String() string {
	return string(s)
}

// Validate returns an error if the status is not a known value.
func (s Status) Validate() error {
	switch s {
	case Pending, Passed, Failed, Expired:
		return nil
	}
	return errors.NotValidf("challenge status %q", string(s))
}

// Terminal reports whether the status is a resolved end state.
// There are no transitions out of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case Passed, Failed, Expired:
		return true
	}
	return false
}

// CanTransition reports whether a challenge currently in status s may
// legally move to target. The only legal transitions are from Pending
// to one of the terminal states.
func (s Status) CanTransition(target Status) bool {
	return s == Pending && target.Terminal()
}
