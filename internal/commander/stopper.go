package commander

import (
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
)

// Stopper drives the stop sequence. Unlike Starter, it never consults an
// application failure strategy: a stop failure only force-marks the
// process UNKNOWN so the next tick's load_processes can re-establish the
// truth (spec.md §4.4).
type Stopper struct {
	*Base

	pusher     collab.Pusher
	infoSource collab.ProcessInfoSource
	apps       AppLookup
	clock      clock.Clock
}

// NewStopper builds a Stopper.
func NewStopper(pusher collab.Pusher, infoSource collab.ProcessInfoSource, apps AppLookup, c clock.Clock, commandTimeout time.Duration) *Stopper {
	s := &Stopper{
		pusher:     pusher,
		infoSource: infoSource,
		apps:       apps,
		clock:      c,
	}
	s.Base = NewBase(s, c, commandTimeout, "stopped")
	return s
}

// ProcessJob sends a stop to every address where proc is currently
// active. Already-stopped processes are a no-op. Unlike Starter, a
// process already in flight for every active address still gets
// recorded as dispatched so Base waits for its terminal event; only a
// fully STOPPED process short-circuits.
func (s *Stopper) ProcessJob(proc *clusterstate.ProcessStatus) bool {
	if proc.State == clusterstate.ProcessStopped {
		return false
	}

	addrs := proc.ActiveAddresses()
	proc.RequestTime = s.clock.Now()
	if len(addrs) == 0 {
		requestID := uuid.NewString()
		s.pusher.SendStopProcess("", proc.Namespec(), requestID)
		return true
	}
	for _, addr := range addrs {
		requestID := uuid.NewString()
		s.pusher.SendStopProcess(addr, proc.Namespec(), requestID)
	}
	return true
}

// IsTerminal reports whether state ends a stop command's wait. STOPPING
// does not terminate: it is the expected intermediate state. BACKOFF and
// STARTING also do not terminate, since supervisord can legitimately
// report either while honoring a stop of a process still in its own
// restart loop (spec.md §4.4).
func (s *Stopper) IsTerminal(state clusterstate.ProcessState) bool {
	switch state {
	case clusterstate.ProcessStopped, clusterstate.ProcessExited, clusterstate.ProcessFatal, clusterstate.ProcessUnknown:
		return true
	default:
		return false
	}
}

// OnTimeout force-marks proc UNKNOWN when a stop neither completed nor
// failed within the command timeout (spec.md §7 CommandTimeoutError).
func (s *Stopper) OnTimeout(proc *clusterstate.ProcessStatus) {
	s.ProcessFailure(proc, "still stopping after the command timeout")
}

// ProcessFailure force-marks proc UNKNOWN on the process manager side,
// falling back to updating the in-memory view directly if the process
// manager has no record of it. No failure strategy is consulted: stop
// failures are always best-effort and self-correcting via the next tick.
func (s *Stopper) ProcessFailure(proc *clusterstate.ProcessStatus, reason string) {
	if err := s.infoSource.ForceProcessUnknown(proc.Namespec(), reason); err != nil {
		proc.ApplyEvent("", clusterstate.ProcessUnknown, false, s.clock.Now(), nil)
	}
}

// StopApplications builds and starts the outer-rank stop plan, grouping by
// Rules.StopSequenceRank and, within an app, by each process's
// StopSequence.
func (s *Stopper) StopApplications(apps []*clusterstate.ApplicationStatus) {
	plan := NewPlan()
	for _, app := range apps {
		for innerRank, procs := range app.StopSequence {
			plan.Add(app.Rules.StopSequenceRank, app.Name, innerRank, procs)
		}
	}
	s.StartSequence(plan)
}

// StopApplication stops a single application, used both for
// operator-triggered stops and the Starter's STOP failure strategy.
func (s *Stopper) StopApplication(app *clusterstate.ApplicationStatus) {
	s.StopApplications([]*clusterstate.ApplicationStatus{app})
}

// StopProcess dispatches a single process stop immediately, bypassing the
// ranked plan (an operator-triggered single-process stop). It enrolls
// proc in CurrentJobs so OnEvent/Check can track it like any
// plan-dispatched job, mirroring Starter.StartProcess (spec.md §4.4).
func (s *Stopper) StopProcess(proc *clusterstate.ProcessStatus) bool {
	if s.ProcessJob(proc) {
		s.CurrentJobs[proc.AppName] = append(s.CurrentJobs[proc.AppName], proc)
	}
	return !s.InProgress()
}

// CheckStopping is the periodic-timer hook for in-flight stops (spec.md
// §4.2 check_*).
func (s *Stopper) CheckStopping() bool {
	return s.Check()
}
