package clusterstate

import "time"

// ProcessInfo is the per-address view of a process, as last reported by a
// tick's process info load or a subsequent process event.
type ProcessInfo struct {
	State        ProcessState
	StartTime    time.Time
	StopTime     time.Time
	ExpectedExit bool
	Spawnerr     string
	PID          int

	// Extra carries through any additional fields a process event or
	// all_process_info entry supplied, verbatim (spec.md §6).
	Extra map[string]any

	// Invalid marks an entry whose hosting address was invalidated. Entries
	// are invalidated, never removed, so that a stale RUNNING count cannot
	// silently reappear as UNKNOWN history.
	Invalid bool
}

// ProcessRules are the per-process placement/restart policy inputs, loaded
// once via Parser.load_process_rules.
type ProcessRules struct {
	Required          bool
	WaitExit          bool
	ExpectedLoading   int
	StartingAddresses []Address

	// StartRank/StopRank place this process within its application's
	// start_sequence/stop_sequence inner ranks (spec.md §3).
	StartRank int
	StopRank  int
}

// ProcessStatus aggregates one namespec's state across every address that
// has reported it. Invariants (spec.md §3): a process is "conflicting" iff
// it is running on more than one address; State is always a deterministic
// function of Info.
type ProcessStatus struct {
	AppName  string
	ProcName string

	Info  map[Address]*ProcessInfo
	State ProcessState
	Rules ProcessRules

	// MarkForRestart is set when an address hosting a required, running
	// instance of this process becomes invalid, or a conflict is detected.
	MarkForRestart bool

	// IgnoreWaitExit is a transient flag set for the duration of a single
	// start command, suppressing wait-exit bookkeeping for that start. It
	// is cleared the moment Commander.on_event removes the process from
	// the in-flight set (spec.md §4.2/§4.3).
	IgnoreWaitExit bool

	ExtraArgs   string
	RequestTime time.Time
}

// NewProcessStatus creates an empty ProcessStatus for namespec app:proc.
func NewProcessStatus(appName, procName string) *ProcessStatus {
	return &ProcessStatus{
		AppName: appName,
		ProcName: procName,
		Info:    make(map[Address]*ProcessInfo),
		State:   ProcessUnknown,
	}
}

// Namespec returns this process's cluster-wide identifier.
func (p *ProcessStatus) Namespec() Namespec {
	return Namespec{AppName: p.AppName, ProcName: p.ProcName}
}

// LoadInfo creates or replaces the per-address entry from a full
// all_process_info load (spec.md §4.1 load_processes).
func (p *ProcessStatus) LoadInfo(addr Address, state ProcessState, expectedExit bool, spawnerr string, pid int) {
	p.Info[addr] = &ProcessInfo{
		State:        state,
		ExpectedExit: expectedExit,
		Spawnerr:     spawnerr,
		PID:          pid,
	}
	p.Recompute()
}

// ApplyEvent folds a process event into the per-address info and
// recomputes the derived cluster state. now is supplied by the caller's
// injected clock, never read directly (spec.md §9 design notes).
func (p *ProcessStatus) ApplyEvent(addr Address, state ProcessState, expectedExit bool, now time.Time, extra map[string]any) {
	info, ok := p.Info[addr]
	if !ok {
		info = &ProcessInfo{}
		p.Info[addr] = info
	}
	info.Invalid = false
	info.State = state
	info.ExpectedExit = expectedExit
	info.Extra = extra
	switch state {
	case ProcessRunning:
		info.StartTime = now
	case ProcessStopped, ProcessExited, ProcessFatal:
		info.StopTime = now
	}
	p.Recompute()
}

// stateRank orders ProcessState by precedence when deriving the aggregate
// cluster state across addresses: the "most active" observed state wins.
var stateRank = map[ProcessState]int{
	ProcessRunning:  0,
	ProcessStarting: 1,
	ProcessBackoff:  2,
	ProcessStopping: 3,
	ProcessExited:   4,
	ProcessFatal:    5,
	ProcessStopped:  6,
	ProcessUnknown:  7,
}

// Recompute derives State from the non-invalidated per-address Info
// entries. With no valid entries, State is UNKNOWN.
func (p *ProcessStatus) Recompute() {
	best := ProcessState(-1)
	bestRank := 1 << 30
	for _, info := range p.Info {
		if info.Invalid {
			continue
		}
		if r := stateRank[info.State]; r < bestRank {
			bestRank = r
			best = info.State
		}
	}
	if best == -1 {
		p.State = ProcessUnknown
		return
	}
	p.State = best
}

// ActiveAddresses returns the addresses where this process is currently
// reported RUNNING, STARTING, or BACKOFF (i.e. actively placed), ignoring
// invalidated entries.
func (p *ProcessStatus) ActiveAddresses() []Address {
	var out []Address
	for addr, info := range p.Info {
		if info.Invalid {
			continue
		}
		if info.State == ProcessRunning || info.State == ProcessStarting || info.State == ProcessBackoff {
			out = append(out, addr)
		}
	}
	return out
}

// Conflicting reports whether this process is observed active on more
// than one address at once (spec.md §8).
func (p *ProcessStatus) Conflicting() bool {
	return len(p.ActiveAddresses()) >= 2
}

// InvalidateAddress marks addr's info entry invalid (not removed) because
// the hosting AddressStatus became invalid. If the process was required
// and was RUNNING there, MarkForRestart is set (spec.md §4.1).
func (p *ProcessStatus) InvalidateAddress(addr Address) {
	info, ok := p.Info[addr]
	if !ok || info.Invalid {
		return
	}
	wasRunning := info.State == ProcessRunning
	info.Invalid = true
	if p.Rules.Required && wasRunning {
		p.MarkForRestart = true
	}
	p.Recompute()
}

// MarkConflict flags a process whose cluster state is conflicting as
// needing a restart, per the "conflict detected" clause of MarkForRestart
// (spec.md §3).
func (p *ProcessStatus) MarkConflict() {
	if p.Conflicting() {
		p.MarkForRestart = true
	}
}
