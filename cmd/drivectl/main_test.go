package main

import (
	"flag"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/config"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
)

func contextFor(t *testing.T, args ...string) *cli.Context {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range goalFlags {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(nil, set, nil)
}

func TestGoalFromFlags(t *testing.T) {
	cfg := config.Default()
	c := contextFor(t, "--x", "100", "--y", "-20", "--heading", "90",
		"--profile", "turn-then-drive", "--reverse", "--timeout", "3s")

	goal, err := goalFromFlags(c, cfg)
	require.NoError(t, err)
	assert.Equal(t, 100.0, goal.Target.X)
	assert.Equal(t, -20.0, goal.Target.Y)
	assert.InDelta(t, math.Pi/2, goal.Target.Heading, 1e-12)
	assert.Equal(t, motion.ProfileTurnThenDrive, goal.Profile)
	assert.Equal(t, motion.Reverse, goal.Direction)
	assert.Equal(t, 3*time.Second, goal.Timeout)
	assert.Equal(t, cfg.Motion.Tolerance.Position, goal.Tolerance.Position)
}

func TestGoalFromFlagsDefaults(t *testing.T) {
	cfg := config.Default()
	goal, err := goalFromFlags(contextFor(t, "--x", "5"), cfg)
	require.NoError(t, err)
	assert.Equal(t, motion.ProfileSeek, goal.Profile)
	assert.Equal(t, motion.Forward, goal.Direction)
	assert.Equal(t, cfg.Motion.Timeout, goal.Timeout)
}

func TestGoalFromFlagsForward(t *testing.T) {
	goal, err := goalFromFlags(contextFor(t, "--profile", "forward", "--distance", "-250"), config.Default())
	require.NoError(t, err)
	assert.Equal(t, motion.ProfileForward, goal.Profile)
	assert.Equal(t, -250.0, goal.Distance)
}

func TestGoalFromFlagsBadProfile(t *testing.T) {
	_, err := goalFromFlags(contextFor(t, "--profile", "loop"), config.Default())
	assert.Error(t, err)
}
