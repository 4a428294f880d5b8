package commander

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
)

// fakePusher records every dispatched command without doing anything.
type fakePusher struct {
	starts []clusterstate.Namespec
	stops  []clusterstate.Namespec
}

func (f *fakePusher) SendStartProcess(addr clusterstate.Address, ns clusterstate.Namespec, extraArgs, requestID string) {
	f.starts = append(f.starts, ns)
}

func (f *fakePusher) SendStopProcess(addr clusterstate.Address, ns clusterstate.Namespec, requestID string) {
	f.stops = append(f.stops, ns)
}

// fakePlacer always places on "A" unless told to fail a given namespec.
type fakePlacer struct {
	fail map[clusterstate.Namespec]bool
}

func (f *fakePlacer) GetAddress(strategy clusterstate.PlacementStrategy, rules clusterstate.ProcessRules, loading int) (clusterstate.Address, bool) {
	return "A", true
}

// fakeInfoSource always reports not-found, forcing Starter/Stopper to fall
// back to the in-memory ApplyEvent path.
type fakeInfoSource struct {
	fatal   []clusterstate.Namespec
	unknown []clusterstate.Namespec
}

func (f *fakeInfoSource) ForceProcessFatal(ns clusterstate.Namespec, reason string) error {
	f.fatal = append(f.fatal, ns)
	return collab.ErrNotFound
}

func (f *fakeInfoSource) ForceProcessUnknown(ns clusterstate.Namespec, reason string) error {
	f.unknown = append(f.unknown, ns)
	return collab.ErrNotFound
}

// fakeApps is a minimal AppLookup over a static map.
type fakeApps struct {
	apps map[string]*clusterstate.ApplicationStatus
}

func newFakeApps(apps ...*clusterstate.ApplicationStatus) *fakeApps {
	m := make(map[string]*clusterstate.ApplicationStatus)
	for _, a := range apps {
		m[a.Name] = a
	}
	return &fakeApps{apps: m}
}

func (f *fakeApps) Application(name string) (*clusterstate.ApplicationStatus, bool) {
	a, ok := f.apps[name]
	return a, ok
}

func procWithRank(app, name string, startRank int) *clusterstate.ProcessStatus {
	p := clusterstate.NewProcessStatus(app, name)
	p.Rules.StartRank = startRank
	p.Rules.Required = true
	return p
}

// Scenario 2: start sequence with a per-rank barrier.
func TestStarter_RankBarrier(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 1)
	p2 := procWithRank("app1", "p2", 1)
	p3 := procWithRank("app1", "p3", 2)
	app.AddProcess(p1)
	app.AddProcess(p2)
	app.AddProcess(p3)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.StartApplication(app)
	require.ElementsMatch(t, []clusterstate.Namespec{p1.Namespec(), p2.Namespec()}, pusher.starts)
	require.True(t, starter.InProgress())

	now := fc.Now()
	p1.ApplyEvent("A", clusterstate.ProcessRunning, false, now, nil)
	starter.OnEvent(p1)
	require.Len(t, pusher.starts, 2, "p3 must not start until p2 also terminates")

	p2.ApplyEvent("A", clusterstate.ProcessRunning, false, now, nil)
	starter.OnEvent(p2)
	require.Len(t, pusher.starts, 3)
	require.Equal(t, p3.Namespec(), pusher.starts[2])

	p3.ApplyEvent("A", clusterstate.ProcessRunning, false, now, nil)
	starter.OnEvent(p3)
	require.False(t, starter.InProgress())
}

// Scenario 3: ABORT starting failure removes only the failing application.
func TestStarter_AbortFailureStrategy(t *testing.T) {
	app2 := clusterstate.NewApplicationStatus("app2")
	app2.Rules.StartingFailureStrategy = clusterstate.FailureAbort
	pA := procWithRank("app2", "pA", 0)
	app2.AddProcess(pA)

	app3 := clusterstate.NewApplicationStatus("app3")
	pB := procWithRank("app3", "pB", 0)
	pB.Rules.StartRank = 0
	app3.AddProcess(pB)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app2, app3)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.PlannedJobs = AppBatch{
		"app2": InnerBatch{0: {pA}},
		"app3": InnerBatch{1: {pB}},
	}
	starter.CurrentJobs["app2"] = []*clusterstate.ProcessStatus{pA}

	starter.ProcessFailure(pA, "boom", true)

	require.NotContains(t, starter.PlannedJobs, "app2")
	require.Contains(t, starter.PlannedJobs, "app3")
	require.Equal(t, InnerBatch{1: {pB}}, starter.PlannedJobs["app3"])
	require.Empty(t, stopper.PlannedJobs)
}

// Scenario 4: STOP starting failure removes the plan entry and invokes the
// Stopper exactly once.
func TestStarter_StopFailureStrategy(t *testing.T) {
	app2 := clusterstate.NewApplicationStatus("app2")
	app2.Rules.StartingFailureStrategy = clusterstate.FailureStop
	pA := procWithRank("app2", "pA", 0)
	pA.Rules.StopRank = 0
	app2.AddProcess(pA)

	app3 := clusterstate.NewApplicationStatus("app3")
	pB := procWithRank("app3", "pB", 0)
	app3.AddProcess(pB)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app2, app3)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.PlannedJobs = AppBatch{
		"app2": InnerBatch{0: {pA}},
		"app3": InnerBatch{1: {pB}},
	}
	starter.CurrentJobs["app2"] = []*clusterstate.ProcessStatus{pA}

	starter.ProcessFailure(pA, "boom", true)

	require.NotContains(t, starter.PlannedJobs, "app2")
	require.Contains(t, starter.PlannedJobs, "app3")
	require.Contains(t, pusher.stops, pA.Namespec(), "Stopper.StopApplication(app2) should have dispatched pA's stop")
}

// Scenario 5: a start that never reaches RUNNING times out after the
// command timeout and is reported as a failure exactly once.
func TestStarter_CommandTimeout(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.StartApplication(app)
	require.Len(t, pusher.starts, 1)

	fc.Advance(6 * time.Second)
	done := starter.CheckStarting()
	require.False(t, done, "a timeout-driven failure marks the process FATAL but does not itself settle the in-flight barrier; it stays in_progress until a terminal event clears it")
	require.Contains(t, infoSource.fatal, p1.Namespec())
}

// store_application_start_sequence followed by abort restores empty state
// (spec.md §8 round-trip property).
func TestStarter_AbortRestoresEmptyState(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.StartApplication(app)
	require.True(t, starter.InProgress())

	starter.Abort()
	require.False(t, starter.InProgress())
	require.Empty(t, starter.PlannedJobs)
	require.Empty(t, starter.CurrentJobs)
	require.True(t, starter.PlannedSequence.Empty())
}

// on_event for a process no longer tracked in current_jobs is a no-op on
// plan maps (spec.md §8 round-trip property).
func TestBase_OnEventForUntrackedProcessIsNoop(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	require.False(t, starter.InProgress())
	starter.OnEvent(p1) // p1 was never dispatched; must not panic or mutate plan state
	require.False(t, starter.InProgress())
	require.Empty(t, starter.PlannedJobs)
	require.Empty(t, starter.CurrentJobs)
}

func TestPlan_PopMinOrdersAscending(t *testing.T) {
	p := NewPlan()
	p1 := clusterstate.NewProcessStatus("app1", "p1")
	p2 := clusterstate.NewProcessStatus("app2", "p2")
	p.Add(5, "app2", 0, []*clusterstate.ProcessStatus{p2})
	p.Add(-1, "app1", 0, []*clusterstate.ProcessStatus{p1})

	rank, batch, ok := p.PopMin()
	require.True(t, ok)
	require.Equal(t, -1, rank)
	require.Contains(t, batch, "app1")

	rank, batch, ok = p.PopMin()
	require.True(t, ok)
	require.Equal(t, 5, rank)
	require.Contains(t, batch, "app2")

	_, _, ok = p.PopMin()
	require.False(t, ok)
	require.True(t, p.Empty())
}

func TestPlan_RemoveApp(t *testing.T) {
	p := NewPlan()
	p1 := clusterstate.NewProcessStatus("app1", "p1")
	p2 := clusterstate.NewProcessStatus("app2", "p2")
	p.Add(0, "app1", 0, []*clusterstate.ProcessStatus{p1})
	p.Add(0, "app2", 0, []*clusterstate.ProcessStatus{p2})
	p.Add(1, "app1", 0, []*clusterstate.ProcessStatus{p1})

	p.RemoveApp("app1")

	rank, batch, ok := p.PopMin()
	require.True(t, ok)
	require.Equal(t, 0, rank)
	require.NotContains(t, batch, "app1")
	require.Contains(t, batch, "app2")

	// rank 1 held only app1, which is now fully removed.
	require.True(t, p.Empty())
}

// A started process that transitions to STOPPING must still drain the
// inner-rank barrier: STOPPING is one of the Starter's terminal states
// (spec.md §4.3), not just STOPPED/EXITED/FATAL/RUNNING.
func TestStarter_IsTerminal_IncludesStopping(t *testing.T) {
	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps()
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	require.True(t, starter.IsTerminal(clusterstate.ProcessStopping))
	require.True(t, starter.IsTerminal(clusterstate.ProcessRunning))
	require.False(t, starter.IsTerminal(clusterstate.ProcessStarting))
	require.False(t, starter.IsTerminal(clusterstate.ProcessBackoff))
}

// A process that transitions to STOPPING while starting still drains its
// application's in-flight barrier, letting the next inner rank dispatch
// (spec.md §4.3).
func TestStarter_StoppingDrainsInFlightBarrier(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	p2 := procWithRank("app1", "p2", 1)
	app.AddProcess(p1)
	app.AddProcess(p2)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	starter.StartApplication(app)
	require.Len(t, pusher.starts, 1)

	p1.ApplyEvent("A", clusterstate.ProcessStopping, false, fc.Now(), nil)
	starter.OnEvent(p1)

	require.Len(t, pusher.starts, 2, "p2 must dispatch once p1 reaches STOPPING")
}

// OnEvent clears IgnoreWaitExit on removal from the in-flight barrier
// (spec.md §4.2 on_event), whether the removal came via StartProcess's
// single-process path or the ranked plan.
func TestOnEvent_ClearsIgnoreWaitExit(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	done := starter.StartProcess(clusterstate.PlacementConfig, p1, "--flag")
	require.False(t, done, "a dispatched start leaves the commander in progress")
	require.True(t, p1.IgnoreWaitExit)
	require.Equal(t, "--flag", p1.ExtraArgs)
	require.Contains(t, starter.CurrentJobs, "app1")

	p1.ApplyEvent("A", clusterstate.ProcessRunning, false, fc.Now(), nil)
	starter.OnEvent(p1)

	require.False(t, p1.IgnoreWaitExit)
	require.NotContains(t, starter.CurrentJobs, "app1")
}

// StartProcess enrolls the dispatched process in CurrentJobs so a
// single-process, operator-triggered start is tracked by the same
// in-flight barrier as a ranked plan dispatch (spec.md §4.3 start_process).
func TestStarter_StartProcess_TracksInFlight(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)
	starter := NewStarter(pusher, &fakePlacer{}, infoSource, apps, stopper, clusterstate.PlacementConfig, fc, 5*time.Second)

	done := starter.StartProcess(clusterstate.PlacementConfig, p1, "")
	require.False(t, done)
	require.True(t, starter.InProgress())
	require.Equal(t, []*clusterstate.ProcessStatus{p1}, starter.CurrentJobs["app1"])

	fc.Advance(6 * time.Second)
	done = starter.CheckStarting()
	require.False(t, done, "the timeout failure marks the process FATAL but leaves the in-flight barrier for a subsequent terminal event to settle")
	require.Contains(t, infoSource.fatal, p1.Namespec())
}

// StopProcess mirrors StartProcess: it enrolls the dispatched stop in
// CurrentJobs and reports whether anything remains in progress (spec.md
// §4.4).
func TestStopper_StopProcess_TracksInFlight(t *testing.T) {
	app := clusterstate.NewApplicationStatus("app1")
	p1 := procWithRank("app1", "p1", 0)
	app.AddProcess(p1)
	p1.ApplyEvent("A", clusterstate.ProcessRunning, false, time.Unix(0, 0), nil)

	pusher := &fakePusher{}
	infoSource := &fakeInfoSource{}
	apps := newFakeApps(app)
	fc := clock.NewFake(time.Unix(0, 0))
	stopper := NewStopper(pusher, infoSource, apps, fc, 5*time.Second)

	done := stopper.StopProcess(p1)
	require.False(t, done)
	require.Contains(t, pusher.stops, p1.Namespec())
	require.Equal(t, []*clusterstate.ProcessStatus{p1}, stopper.CurrentJobs["app1"])

	p1.ApplyEvent("A", clusterstate.ProcessStopped, false, fc.Now(), nil)
	stopper.OnEvent(p1)
	require.False(t, stopper.InProgress())
}
