package autotick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/eventlog"
	"vibeforge/internal/scheduler"
	"vibeforge/internal/simcontrol"
	"vibeforge/internal/simtypes"
)

func autoSession() *simtypes.Session {
	sess := simtypes.NewSession("s-auto", time.Now().UTC())
	sess.Agents = []simtypes.Agent{
		{AgentID: "O", Role: simtypes.RoleOrchestrator, AgentType: simtypes.AgentLocal},
		{AgentID: "W1", Role: simtypes.RoleWorker, AgentType: simtypes.AgentLocal},
	}
	sess.Edges = []simtypes.Edge{{From: "O", To: "W1", Bidirectional: true}}
	sess.MainTask = "solve X"
	sess.SimulationMode = simtypes.ModeAuto
	sess.AutoDelayMs = 5
	return sess
}

func newRunner(t *testing.T) (*Runner, *simcontrol.Controller) {
	t.Helper()
	queue := scheduler.NewRunQueue(16, time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})
	ctrl := simcontrol.New(eventlog.New(t.TempDir(), true), nil, nil, queue)
	r := NewRunner(ctrl)
	t.Cleanup(r.Shutdown)
	return r, ctrl
}

func TestAutoRunDrivesSimulationToCompletion(t *testing.T) {
	r, ctrl := newRunner(t)
	sess := autoSession()
	require.NoError(t, ctrl.Start(sess, "solve X", "O"))

	r.Start(sess)

	require.Eventually(t, func() bool {
		return ctrl.GetState(sess).TickStatus == simtypes.TickCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Loop tears itself down after completion.
	require.Eventually(t, func() bool {
		return !r.Running(sess.SessionID)
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, ctrl.GetState(sess).FinalAnswer)
}

func TestStopCancelsLoop(t *testing.T) {
	r, ctrl := newRunner(t)
	sess := autoSession()
	sess.Agents = sess.Agents[:1] // no delegation targets: runs forever
	require.NoError(t, ctrl.Start(sess, "spin", "O"))

	r.Start(sess)
	require.Eventually(t, func() bool { return ctrl.GetState(sess).TickIndex > 0 }, 2*time.Second, 5*time.Millisecond)

	r.Stop(sess.SessionID)
	require.Eventually(t, func() bool {
		return !r.Running(sess.SessionID)
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownStopsAllLoops(t *testing.T) {
	r, ctrl := newRunner(t)
	sess := autoSession()
	sess.Agents = sess.Agents[:1]
	require.NoError(t, ctrl.Start(sess, "spin", "O"))

	r.Start(sess)
	r.Shutdown()
	assert.False(t, r.Running(sess.SessionID))
}
