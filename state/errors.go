// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/errors"
)

const (
	// ErrCollectionAlreadyInitialized is returned when setting the
	// credential collection reference a second time.
	ErrCollectionAlreadyInitialized = errors.ConstError("credential collection already initialized")

	// ErrCollectionNotInitialized is returned when registering an
	// agent before the credential collection reference has been set.
	ErrCollectionNotInitialized = errors.ConstError("credential collection not initialized")

	// ErrRegistryFull is returned when the agent identifier counter
	// cannot be incremented any further.
	ErrRegistryFull = errors.ConstError("agent registry is full")

	// ErrAlreadyVerified is returned when verifying an agent that is
	// already verified.
	ErrAlreadyVerified = errors.ConstError("agent is already verified")

	// ErrDeltaTooLarge is returned when a direct reputation
	// adjustment exceeds the per-call bound.
	ErrDeltaTooLarge = errors.ConstError("reputation delta too large")

	// ErrChallengeExpired is returned when responding to a challenge
	// past its deadline.
	ErrChallengeExpired = errors.ConstError("challenge has expired")

	// ErrChallengeNotPending is returned when resolving a challenge
	// that has already been resolved.
	ErrChallengeNotPending = errors.ConstError("challenge is not pending")

	// ErrChallengeNotExpired is returned when expiring a challenge
	// whose deadline has not yet passed.
	ErrChallengeNotExpired = errors.ConstError("challenge has not expired")

	// ErrChallengeStillPending is returned when closing a challenge
	// that has not been resolved.
	ErrChallengeStillPending = errors.ConstError("challenge is still pending")
)
