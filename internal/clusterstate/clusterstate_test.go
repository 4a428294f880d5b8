package clusterstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressStatus_TransitionRules(t *testing.T) {
	a := NewAddressStatus("B")
	require.Equal(t, AddressUnknown, a.State)

	require.NoError(t, a.TransitionTo(AddressChecking))
	require.NoError(t, a.TransitionTo(AddressRunning))
	require.Error(t, a.TransitionTo(AddressUnknown), "no transition back to UNKNOWN")

	require.NoError(t, a.TransitionTo(AddressIsolating))
	require.NoError(t, a.TransitionTo(AddressIsolated))
	require.True(t, a.State.IsTerminal())
	require.Error(t, a.TransitionTo(AddressChecking), "ISOLATED is terminal")
}

func TestProcessStatus_ConflictMarking(t *testing.T) {
	// Scenario 6: load processes showing p1 RUNNING on both A and B.
	p := NewProcessStatus("app1", "p1")
	p.Rules.Required = true

	now := time.Now()
	p.ApplyEvent("A", ProcessRunning, false, now, nil)
	require.False(t, p.Conflicting())

	p.ApplyEvent("B", ProcessRunning, false, now, nil)
	require.True(t, p.Conflicting())

	p.MarkConflict()
	require.True(t, p.MarkForRestart)
}

func TestProcessStatus_InvalidateAddress_MarksRestartWhenRequiredRunning(t *testing.T) {
	p := NewProcessStatus("app1", "p1")
	p.Rules.Required = true
	p.ApplyEvent("A", ProcessRunning, false, time.Now(), nil)

	p.InvalidateAddress("A")
	require.True(t, p.MarkForRestart)
	require.Equal(t, ProcessUnknown, p.State, "invalidated entries don't count toward derived state")
}

func TestProcessStatus_InvalidateAddress_NotRequiredDoesNotMarkRestart(t *testing.T) {
	p := NewProcessStatus("app1", "p1")
	p.ApplyEvent("A", ProcessRunning, false, time.Now(), nil)

	p.InvalidateAddress("A")
	require.False(t, p.MarkForRestart)
}

func TestProcessStatus_Recompute_Precedence(t *testing.T) {
	p := NewProcessStatus("app1", "p1")
	now := time.Now()
	p.ApplyEvent("A", ProcessStopped, false, now, nil)
	require.Equal(t, ProcessStopped, p.State)

	p.ApplyEvent("B", ProcessRunning, false, now, nil)
	require.Equal(t, ProcessRunning, p.State, "RUNNING outranks STOPPED")
}

func TestApplicationStatus_Sequences(t *testing.T) {
	app := NewApplicationStatus("app1")
	p1 := NewProcessStatus("app1", "p1")
	p1.Rules.StartRank = 1
	p2 := NewProcessStatus("app1", "p2")
	p2.Rules.StartRank = 1
	p3 := NewProcessStatus("app1", "p3")
	p3.Rules.StartRank = 2

	app.AddProcess(p1)
	app.AddProcess(p2)
	app.AddProcess(p3)

	require.Len(t, app.StartSequence[1], 2)
	require.Len(t, app.StartSequence[2], 1)
}

func TestApplicationStatus_Recompute(t *testing.T) {
	app := NewApplicationStatus("app1")
	p1 := NewProcessStatus("app1", "p1")
	p1.Rules.Required = true
	app.AddProcess(p1)

	app.Recompute()
	require.Equal(t, ApplicationStopped, app.State)

	p1.State = ProcessStarting
	app.Recompute()
	require.Equal(t, ApplicationStarting, app.State)

	p1.State = ProcessRunning
	app.Recompute()
	require.Equal(t, ApplicationRunning, app.State)

	p1.State = ProcessFatal
	app.Recompute()
	require.True(t, app.MajorFailure)
}
