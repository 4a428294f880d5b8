package clusterstate

import "slices"

// ApplicationRules are the per-application policy inputs, loaded once via
// Parser.load_application_rules.
type ApplicationRules struct {
	StartSequenceRank       int
	StopSequenceRank        int
	StartingFailureStrategy FailureStrategy
	RunningFailureStrategy  FailureStrategy
}

// ApplicationStatus groups the processes sharing a name, with the ordered
// start/stop sequences and failure strategy that the Starter/Stopper
// consult (spec.md §3).
type ApplicationStatus struct {
	Name      string
	Processes map[string]*ProcessStatus // proc name -> status
	State     ApplicationState
	Rules     ApplicationRules

	// StartSequence/StopSequence map inner rank -> ordered process list,
	// rebuilt from each member process's Rules.StartRank/StopRank whenever
	// membership changes.
	StartSequence map[int][]*ProcessStatus
	StopSequence  map[int][]*ProcessStatus

	MajorFailure bool
	MinorFailure bool
}

// NewApplicationStatus creates an empty ApplicationStatus.
func NewApplicationStatus(name string) *ApplicationStatus {
	return &ApplicationStatus{
		Name:          name,
		Processes:     make(map[string]*ProcessStatus),
		State:         ApplicationStopped,
		StartSequence: make(map[int][]*ProcessStatus),
		StopSequence:  make(map[int][]*ProcessStatus),
	}
}

// AddProcess registers proc under this application and rebuilds the
// sequences. Safe to call again for a process already present (e.g. after
// rules reload) — it replaces the prior sequence entries for that process.
func (a *ApplicationStatus) AddProcess(proc *ProcessStatus) {
	a.Processes[proc.ProcName] = proc
	a.rebuildSequences()
}

// rebuildSequences recomputes StartSequence/StopSequence from the current
// process set's rules. Order within a rank is stable by process name so
// that dispatch order is deterministic across runs (spec.md §4.2 tie-break).
func (a *ApplicationStatus) rebuildSequences() {
	a.StartSequence = make(map[int][]*ProcessStatus)
	a.StopSequence = make(map[int][]*ProcessStatus)
	names := sortedProcessNames(a.Processes)
	for _, name := range names {
		proc := a.Processes[name]
		a.StartSequence[proc.Rules.StartRank] = append(a.StartSequence[proc.Rules.StartRank], proc)
		a.StopSequence[proc.Rules.StopRank] = append(a.StopSequence[proc.Rules.StopRank], proc)
	}
}

func sortedProcessNames(m map[string]*ProcessStatus) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Recompute derives State from member process states. Precedence: any
// process starting/backoff -> STARTING; else any stopping -> STOPPING;
// else any running -> RUNNING; else STOPPED. MajorFailure is set when a
// required process is FATAL or unexpectedly EXITED; MinorFailure when a
// non-required process is.
func (a *ApplicationStatus) Recompute() {
	hasStarting, hasStopping, hasRunning := false, false, false
	a.MajorFailure, a.MinorFailure = false, false
	for _, proc := range a.Processes {
		switch proc.State {
		case ProcessStarting, ProcessBackoff:
			hasStarting = true
		case ProcessStopping:
			hasStopping = true
		case ProcessRunning:
			hasRunning = true
		case ProcessFatal, ProcessExited:
			if proc.State == ProcessExited && exitedAsExpected(proc) {
				continue
			}
			if proc.Rules.Required {
				a.MajorFailure = true
			} else {
				a.MinorFailure = true
			}
		}
	}
	switch {
	case hasStarting:
		a.State = ApplicationStarting
	case hasStopping:
		a.State = ApplicationStopping
	case hasRunning:
		a.State = ApplicationRunning
	default:
		a.State = ApplicationStopped
	}
}

// exitedAsExpected reports whether a valid per-address entry of proc
// records an EXITED state flagged as an expected exit.
func exitedAsExpected(proc *ProcessStatus) bool {
	for _, info := range proc.Info {
		if !info.Invalid && info.State == ProcessExited && info.ExpectedExit {
			return true
		}
	}
	return false
}
