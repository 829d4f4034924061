// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"math"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/agenttrust/state"
)

type AgentSuite struct {
	ConnSuite
}

var _ = gc.Suite(&AgentSuite{})

func (s *AgentSuite) TestRegisterAgent(c *gc.C) {
	s.initRegistry(c)
	now := s.clock.Now().Round(time.Second).UTC()

	agent, err := s.state.RegisterAgent(state.RegisterAgentArgs{
		Owner:           names.NewUserTag("alice"),
		Name:            "oracle",
		ModelHash:       validModelHash,
		Capabilities:    "analysis,trading",
		CredentialToken: "token-42",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.AgentID(), gc.Equals, int64(0))
	c.Assert(agent.OwnerTag(), gc.Equals, names.NewUserTag("alice"))
	c.Assert(agent.Name(), gc.Equals, "oracle")
	c.Assert(agent.ModelHash(), gc.Equals, validModelHash)
	c.Assert(agent.Capabilities(), gc.Equals, "analysis,trading")
	c.Assert(agent.ReputationScore(), gc.Equals, state.InitialReputation)
	c.Assert(agent.ChallengesPassed(), gc.Equals, int64(0))
	c.Assert(agent.ChallengesFailed(), gc.Equals, int64(0))
	c.Assert(agent.Verified(), jc.IsFalse)
	c.Assert(agent.CreatedAt(), gc.Equals, now)
	c.Assert(agent.UpdatedAt(), gc.Equals, now)
	c.Assert(agent.CredentialToken(), gc.Equals, "token-42")

	agent, err = s.state.Agent(names.NewUserTag("alice"), 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Name(), gc.Equals, "oracle")
}

func (s *AgentSuite) TestRegisterAgentSequentialIDs(c *gc.C) {
	s.initRegistry(c)
	first := s.addAgent(c, "alice")
	second := s.addAgent(c, "bob")
	third := s.addAgent(c, "alice")

	c.Assert(first.AgentID(), gc.Equals, int64(0))
	c.Assert(second.AgentID(), gc.Equals, int64(1))
	c.Assert(third.AgentID(), gc.Equals, int64(2))
}

func (s *AgentSuite) TestRegisterAgentBeforeCollection(c *gc.C) {
	_, err := s.state.InitializeRegistry(s.admin)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.state.RegisterAgent(state.RegisterAgentArgs{
		Owner:     names.NewUserTag("alice"),
		Name:      "oracle",
		ModelHash: validModelHash,
	})
	c.Assert(err, jc.ErrorIs, state.ErrCollectionNotInitialized)
}

func (s *AgentSuite) TestRegisterAgentNoRegistry(c *gc.C) {
	_, err := s.state.RegisterAgent(state.RegisterAgentArgs{
		Owner:     names.NewUserTag("alice"),
		Name:      "oracle",
		ModelHash: validModelHash,
	})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *AgentSuite) TestRegisterAgentValidation(c *gc.C) {
	s.initRegistry(c)
	for i, args := range []state.RegisterAgentArgs{{
		// Empty owner.
		Name:      "oracle",
		ModelHash: validModelHash,
	}, {
		// Name too long.
		Owner:     names.NewUserTag("alice"),
		Name:      strings.Repeat("x", 65),
		ModelHash: validModelHash,
	}, {
		// Missing model hash prefix.
		Owner:     names.NewUserTag("alice"),
		ModelHash: strings.Repeat("0", 64),
	}, {
		// Digest too short.
		Owner:     names.NewUserTag("alice"),
		ModelHash: "sha256:" + strings.Repeat("0", 63),
	}, {
		// Digest not hex.
		Owner:     names.NewUserTag("alice"),
		ModelHash: "sha256:" + strings.Repeat("z", 64),
	}, {
		// Capabilities too long.
		Owner:        names.NewUserTag("alice"),
		ModelHash:    validModelHash,
		Capabilities: strings.Repeat("x", 257),
	}} {
		c.Logf("test %d", i)
		_, err := s.state.RegisterAgent(args)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
}

func (s *AgentSuite) TestRegisterAgentRegistryFull(c *gc.C) {
	s.initRegistry(c)
	err := state.SetTotalAgents(s.state, math.MaxInt64)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.state.RegisterAgent(state.RegisterAgentArgs{
		Owner:     names.NewUserTag("alice"),
		Name:      "oracle",
		ModelHash: validModelHash,
	})
	c.Assert(err, jc.ErrorIs, state.ErrRegistryFull)
}

func (s *AgentSuite) TestAgentNotFound(c *gc.C) {
	s.initRegistry(c)
	_, err := s.state.Agent(names.NewUserTag("alice"), 7)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *AgentSuite) TestAllAgents(c *gc.C) {
	s.initRegistry(c)
	s.addAgent(c, "alice")
	s.addAgent(c, "bob")
	s.addAgent(c, "carol")

	agents, err := s.state.AllAgents()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agents, gc.HasLen, 3)
	var ids []int64
	for _, agent := range agents {
		ids = append(ids, agent.AgentID())
	}
	c.Assert(ids, jc.DeepEquals, []int64{0, 1, 2})
}

func (s *AgentSuite) TestUpdateMetadata(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	s.clock.Advance(time.Minute)
	name := "sibyl"
	capabilities := "analysis"
	err := agent.Update(names.NewUserTag("alice"), state.UpdateAgentArgs{
		Name:         &name,
		Capabilities: &capabilities,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Name(), gc.Equals, "sibyl")
	c.Assert(agent.Capabilities(), gc.Equals, "analysis")
	c.Assert(agent.UpdatedAt().After(agent.CreatedAt()), jc.IsTrue)

	err = agent.Refresh()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Name(), gc.Equals, "sibyl")
}

func (s *AgentSuite) TestUpdateMetadataPartial(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	name := "sibyl"
	err := agent.Update(names.NewUserTag("alice"), state.UpdateAgentArgs{Name: &name})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Name(), gc.Equals, "sibyl")
	c.Assert(agent.Capabilities(), gc.Equals, "analysis,coding")
}

func (s *AgentSuite) TestUpdateMetadataNotOwner(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	name := "sibyl"
	err := agent.Update(names.NewUserTag("bob"), state.UpdateAgentArgs{Name: &name})
	c.Assert(err, jc.ErrorIs, errors.Unauthorized)
	c.Assert(agent.Name(), gc.Equals, "alice-agent")
}

func (s *AgentSuite) TestUpdateMetadataValidation(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	long := strings.Repeat("x", 65)
	err := agent.Update(names.NewUserTag("alice"), state.UpdateAgentArgs{Name: &long})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	longCaps := strings.Repeat("x", 257)
	err = agent.Update(names.NewUserTag("alice"), state.UpdateAgentArgs{Capabilities: &longCaps})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *AgentSuite) TestSetVerified(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.SetVerified(s.admin)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Verified(), jc.IsTrue)

	err = agent.Refresh()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.Verified(), jc.IsTrue)
}

func (s *AgentSuite) TestSetVerifiedNotAdmin(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.SetVerified(names.NewUserTag("alice"))
	c.Assert(err, jc.ErrorIs, errors.Unauthorized)
	c.Assert(agent.Verified(), jc.IsFalse)
}

func (s *AgentSuite) TestSetVerifiedTwice(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.SetVerified(s.admin)
	c.Assert(err, jc.ErrorIsNil)
	err = agent.SetVerified(s.admin)
	c.Assert(err, jc.ErrorIs, state.ErrAlreadyVerified)
}

func (s *AgentSuite) TestUpdateReputation(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.UpdateReputation(s.admin, 250)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, 5250)
	c.Assert(agent.ChallengesPassed(), gc.Equals, int64(1))
	c.Assert(agent.ChallengesFailed(), gc.Equals, int64(0))

	err = agent.UpdateReputation(s.admin, -100)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, 5150)
	c.Assert(agent.ChallengesPassed(), gc.Equals, int64(1))
	c.Assert(agent.ChallengesFailed(), gc.Equals, int64(1))

	err = agent.Refresh()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, 5150)
}

func (s *AgentSuite) TestUpdateReputationZeroDelta(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.UpdateReputation(s.admin, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, state.InitialReputation)
	c.Assert(agent.ChallengesPassed(), gc.Equals, int64(0))
	c.Assert(agent.ChallengesFailed(), gc.Equals, int64(0))
}

func (s *AgentSuite) TestUpdateReputationDeltaTooLarge(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.UpdateReputation(s.admin, 1001)
	c.Assert(err, jc.ErrorIs, state.ErrDeltaTooLarge)
	err = agent.UpdateReputation(s.admin, -1001)
	c.Assert(err, jc.ErrorIs, state.ErrDeltaTooLarge)
	c.Assert(agent.ReputationScore(), gc.Equals, state.InitialReputation)
}

func (s *AgentSuite) TestUpdateReputationNotAdmin(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	err := agent.UpdateReputation(names.NewUserTag("alice"), 100)
	c.Assert(err, jc.ErrorIs, errors.Unauthorized)
}

func (s *AgentSuite) TestUpdateReputationClampsLow(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	// Walk the score down to 500, then overshoot: the score clamps to
	// zero rather than going negative.
	for i := 0; i < 4; i++ {
		err := agent.UpdateReputation(s.admin, -1000)
		c.Assert(err, jc.ErrorIsNil)
	}
	err := agent.UpdateReputation(s.admin, -500)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, 500)

	err = agent.UpdateReputation(s.admin, -1000)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agent.ReputationScore(), gc.Equals, 0)
}

func (s *AgentSuite) TestUpdateReputationClampBounds(c *gc.C) {
	s.initRegistry(c)
	agent := s.addAgent(c, "alice")

	// Repeated maximum deltas in both directions never escape the
	// reputation bounds.
	for i := 0; i < 12; i++ {
		err := agent.UpdateReputation(s.admin, 1000)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(agent.ReputationScore() <= state.MaxReputation, jc.IsTrue)
	}
	c.Assert(agent.ReputationScore(), gc.Equals, state.MaxReputation)

	for i := 0; i < 12; i++ {
		err := agent.UpdateReputation(s.admin, -1000)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(agent.ReputationScore() >= state.MinReputation, jc.IsTrue)
	}
	c.Assert(agent.ReputationScore(), gc.Equals, state.MinReputation)
}
