package commander

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
)

// AppLookup resolves an application name to its status, so Starter and
// Stopper can read Rules without owning the application map themselves.
type AppLookup interface {
	Application(name string) (*clusterstate.ApplicationStatus, bool)
}

// Starter drives the start sequence: placement, the RUNNING/STARTING/BACKOFF
// no-op rule, and the ABORT/CONTINUE/STOP failure strategies (spec.md §4.3).
type Starter struct {
	*Base

	pusher     collab.Pusher
	placer     collab.Placer
	infoSource collab.ProcessInfoSource
	apps       AppLookup
	stopper    *Stopper
	strategy   clusterstate.PlacementStrategy
	clock      clock.Clock
}

// NewStarter builds a Starter. stopper is consulted for the STOP failure
// strategy, which stops the whole application rather than merely
// abandoning its plan.
func NewStarter(pusher collab.Pusher, placer collab.Placer, infoSource collab.ProcessInfoSource, apps AppLookup, stopper *Stopper, strategy clusterstate.PlacementStrategy, c clock.Clock, commandTimeout time.Duration) *Starter {
	s := &Starter{
		pusher:     pusher,
		placer:     placer,
		infoSource: infoSource,
		apps:       apps,
		stopper:    stopper,
		strategy:   strategy,
		clock:      c,
	}
	s.Base = NewBase(s, c, commandTimeout, "started")
	return s
}

// ProcessJob places and starts proc, implementing JobHandler for Base.
// Already-active processes (RUNNING/STARTING/BACKOFF) are a no-op: they
// need no command and Base should move on to the next inner rank for
// them immediately.
func (s *Starter) ProcessJob(proc *clusterstate.ProcessStatus) bool {
	switch proc.State {
	case clusterstate.ProcessRunning, clusterstate.ProcessStarting, clusterstate.ProcessBackoff:
		return false
	}

	loading := proc.Rules.ExpectedLoading
	addr, ok := s.placer.GetAddress(s.strategy, proc.Rules, loading)
	if !ok {
		s.ProcessFailure(proc, "no resource available", true)
		return false
	}

	proc.RequestTime = s.clock.Now()
	requestID := uuid.NewString()
	s.pusher.SendStartProcess(addr, proc.Namespec(), proc.ExtraArgs, requestID)
	return true
}

// IsTerminal reports whether state ends a start command's wait: RUNNING
// succeeds, STOPPED/EXITED/FATAL/STOPPING all end the wait too. STARTING/
// BACKOFF never terminate a start: the process may legitimately retry its
// own backoff loop before reaching one of the states above.
func (s *Starter) IsTerminal(state clusterstate.ProcessState) bool {
	switch state {
	case clusterstate.ProcessRunning, clusterstate.ProcessStopped, clusterstate.ProcessExited,
		clusterstate.ProcessFatal, clusterstate.ProcessStopping:
		return true
	default:
		return false
	}
}

// OnTimeout handles a start that neither succeeded nor failed within the
// command timeout: treated the same as a start failure (spec.md §7
// CommandTimeoutError).
func (s *Starter) OnTimeout(proc *clusterstate.ProcessStatus) {
	s.ProcessFailure(proc, "still starting after the command timeout", true)
}

// ProcessFailure reacts to proc failing to start. It force-fails the
// process manager's own record (best-effort: ErrNotFound falls back to
// updating the in-memory view directly), then, for a required process,
// applies the owning application's StartingFailureStrategy. A failure of a
// non-required process leaves the plan as it is.
func (s *Starter) ProcessFailure(proc *clusterstate.ProcessStatus, reason string, stillInFlight bool) {
	if err := s.infoSource.ForceProcessFatal(proc.Namespec(), reason); err != nil {
		proc.ApplyEvent("", clusterstate.ProcessFatal, false, s.clock.Now(), nil)
	}

	app, ok := s.apps.Application(proc.AppName)
	if !ok {
		return
	}
	app.Recompute()
	if !proc.Rules.Required {
		return
	}

	switch app.Rules.StartingFailureStrategy {
	case clusterstate.FailureAbort:
		s.PlannedSequence.RemoveApp(app.Name)
		delete(s.PlannedJobs, app.Name)
	case clusterstate.FailureStop:
		s.PlannedSequence.RemoveApp(app.Name)
		delete(s.PlannedJobs, app.Name)
		if s.stopper != nil {
			s.stopper.StopApplication(app)
		}
	case clusterstate.FailureContinue:
		// leave the remaining plan in place
	}
}

// StartApplications builds and starts the outer-rank plan across apps,
// grouping by Rules.StartSequenceRank and, within an app, by each
// process's StartSequence.
func (s *Starter) StartApplications(apps []*clusterstate.ApplicationStatus) {
	plan := NewPlan()
	for _, app := range apps {
		for innerRank, procs := range app.StartSequence {
			plan.Add(app.Rules.StartSequenceRank, app.Name, innerRank, procs)
		}
	}
	s.StartSequence(plan)
}

// StartApplication starts a single application's sequence, with the
// application's own Rules.StartSequenceRank as the plan's only outer rank;
// used for operator-triggered single-app starts outside a full sequence.
func (s *Starter) StartApplication(app *clusterstate.ApplicationStatus) {
	s.StartApplications([]*clusterstate.ApplicationStatus{app})
}

// CheckStarting is the periodic-timer hook for in-flight starts (spec.md
// §4.2 check_*): it fails any start that has overrun the command timeout
// and reports whether nothing is left in progress.
func (s *Starter) CheckStarting() bool {
	return s.Check()
}

// StartProcess dispatches a single process immediately, bypassing the
// ranked plan (an operator-triggered single-process start). It stores
// strategy as the Starter's placement strategy for this and later jobs,
// sets extraArgs on proc, sets IgnoreWaitExit so the ensuing
// command isn't mistaken for an unplanned exit, and enrolls proc in
// CurrentJobs so OnEvent/Check can track it like any plan-dispatched job
// (spec.md §4.3 start_process).
func (s *Starter) StartProcess(strategy clusterstate.PlacementStrategy, proc *clusterstate.ProcessStatus, extraArgs string) bool {
	s.strategy = strategy
	proc.ExtraArgs = extraArgs
	proc.IgnoreWaitExit = true
	if s.ProcessJob(proc) {
		s.CurrentJobs[proc.AppName] = append(s.CurrentJobs[proc.AppName], proc)
	}
	return !s.InProgress()
}

// StartMarkedProcesses restarts every process in apps with MarkForRestart
// set, required processes first, matching the priority that a partial
// outage recovery gives a required dependency over an optional one.
func (s *Starter) StartMarkedProcesses(apps []*clusterstate.ApplicationStatus) {
	var required, optional []*clusterstate.ProcessStatus
	for _, app := range apps {
		for _, name := range sortedProcNames(app.Processes) {
			proc := app.Processes[name]
			if !proc.MarkForRestart {
				continue
			}
			if proc.Rules.Required {
				required = append(required, proc)
			} else {
				optional = append(optional, proc)
			}
		}
	}
	for _, proc := range required {
		proc.MarkForRestart = false
		s.ProcessJob(proc)
	}
	for _, proc := range optional {
		proc.MarkForRestart = false
		s.ProcessJob(proc)
	}
}

func sortedProcNames(m map[string]*clusterstate.ProcessStatus) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
