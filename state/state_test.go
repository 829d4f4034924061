// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/agenttrust/state"
)

type StateSuite struct {
	ConnSuite
}

var _ = gc.Suite(&StateSuite{})

func (s *StateSuite) TestOpenInvalidParams(c *gc.C) {
	for i, params := range []state.OpenParams{{
		Database: "agenttrust",
		Clock:    clock.WallClock,
	}, {
		Session: s.Session,
		Clock:   clock.WallClock,
	}, {
		Session:  s.Session,
		Database: "agenttrust",
	}} {
		c.Logf("test %d", i)
		_, err := state.Open(params)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
}

func (s *StateSuite) TestOpenCopiesSession(c *gc.C) {
	st, err := state.Open(state.OpenParams{
		Session:  s.Session,
		Database: "other",
		Clock:    s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(st.Close(), jc.ErrorIsNil)

	// The original session survives the state's Close.
	c.Assert(s.Session.Ping(), jc.ErrorIsNil)
}
