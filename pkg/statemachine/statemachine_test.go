package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleet/pkg/stream"
	"github.com/cuemby/fleet/pkg/types"
)

func TestCanTransitionFollowsGraph(t *testing.T) {
	assert.True(t, CanTransition(types.StateSpawning, types.StateInitializing))
	assert.True(t, CanTransition(types.StateWorking, types.StatePROpen))
	assert.False(t, CanTransition(types.StateSpawning, types.StateMerged))
	assert.False(t, CanTransition(types.StateMerged, types.StateWorking))
	assert.True(t, CanTransition(types.StateMerged, types.StateStopped))
}

func TestApplyToolUseDuringInitializingMovesToWorking(t *testing.T) {
	w := &types.Worker{State: types.StateInitializing}
	msg := stream.Message{Kind: stream.KindAssistantMessage, ToolUses: []stream.ToolUse{{Name: "bash"}}}

	res := Apply(w, msg)
	assert.Equal(t, types.StateWorking, res.Next)
	assert.True(t, res.Transitioned)
}

func TestApplyPRURLMovesWorkingToPROpen(t *testing.T) {
	w := &types.Worker{State: types.StateWorking}
	msg := stream.Message{Kind: stream.KindAssistantMessage, Text: "opened https://forge.test/o/r/pull/42"}

	res := Apply(w, msg)
	require.Equal(t, types.StatePROpen, res.Next)
	require.Len(t, res.Effects, 2)
	assert.Equal(t, EffectPersistPR, res.Effects[0].Kind)
	assert.Equal(t, 42, res.Effects[0].PRNumber)
}

func TestApplyAPIErrorAlwaysWins(t *testing.T) {
	w := &types.Worker{State: types.StateWorking}
	msg := stream.Message{Kind: stream.KindResult, IsError: true, Text: "opened https://forge.test/o/r/pull/42"}

	res := Apply(w, msg)
	assert.Equal(t, types.StateError, res.Next)
}

func TestApplyReviewFailKeepsPROpenAndMarksFailed(t *testing.T) {
	w := &types.Worker{State: types.StatePROpen, ReviewStatus: types.ReviewPending}
	msg := stream.Message{Kind: stream.KindAssistantMessage, Text: "RESULT: FAIL\nbroken"}

	res := Apply(w, msg)
	assert.Equal(t, types.StatePROpen, res.Next)
	require.NotEmpty(t, res.Effects)
	assert.Equal(t, types.ReviewFailed, res.Effects[0].ReviewStatus)
}

func TestApplyIsIdempotentOnTerminalState(t *testing.T) {
	w := &types.Worker{State: types.StateStopped}
	msg := stream.Message{Kind: stream.KindResult, IsError: true}

	res1 := Apply(w, msg)
	res2 := Apply(w, msg)
	assert.Equal(t, res1.Next, res2.Next)
	assert.Equal(t, types.StateStopped, res1.Next)
}

func TestStalenessWorkingNudgeOncePerIdleStreak(t *testing.T) {
	now := time.Now()
	w := &types.Worker{State: types.StateWorking, LastActivity: now.Add(-10 * time.Minute)}

	assert.Equal(t, StalenessNudge, Staleness(w, now))

	w.LastStaleNudge = true
	assert.Equal(t, StalenessNone, Staleness(w, now))
}

func TestStalenessInitializingEscalates(t *testing.T) {
	now := time.Now()
	w := &types.Worker{State: types.StateInitializing, LastActivity: now.Add(-10 * time.Minute)}
	assert.Equal(t, StalenessEscalate, Staleness(w, now))
}
