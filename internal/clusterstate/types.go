// Package clusterstate holds the core data model shared by Context and the
// Commander family: AddressStatus, ProcessStatus, and ApplicationStatus.
// Nothing in this package performs I/O; it is pure state plus the
// transitions the rest of the system drives.
package clusterstate

import "fmt"

// Address is an opaque cluster member identifier (host:port or logical name).
type Address string

// Namespec is the cluster-wide process identifier: "application:process".
type Namespec struct {
	AppName  string
	ProcName string
}

func (n Namespec) String() string {
	return fmt.Sprintf("%s:%s", n.AppName, n.ProcName)
}

// AddressState is the lifecycle state of a cluster member, modeled as an
// explicit sum type (rather than the enum-as-string the source peer state
// used) with a parser/printer pair.
type AddressState int

const (
	AddressUnknown AddressState = iota
	AddressChecking
	AddressRunning
	AddressSilent
	AddressIsolating
	AddressIsolated
)

func (s AddressState) String() string {
	switch s {
	case AddressUnknown:
		return "UNKNOWN"
	case AddressChecking:
		return "CHECKING"
	case AddressRunning:
		return "RUNNING"
	case AddressSilent:
		return "SILENT"
	case AddressIsolating:
		return "ISOLATING"
	case AddressIsolated:
		return "ISOLATED"
	default:
		return "UNKNOWN"
	}
}

// ParseAddressState parses the printer's own output, and is also used to
// decode the "state" field of a peer's address_info RPC response.
func ParseAddressState(s string) (AddressState, error) {
	switch s {
	case "UNKNOWN":
		return AddressUnknown, nil
	case "CHECKING":
		return AddressChecking, nil
	case "RUNNING":
		return AddressRunning, nil
	case "SILENT":
		return AddressSilent, nil
	case "ISOLATING":
		return AddressIsolating, nil
	case "ISOLATED":
		return AddressIsolated, nil
	default:
		return AddressUnknown, fmt.Errorf("clusterstate: unknown address state %q", s)
	}
}

// addressValidTransitions encodes the state machine from spec.md §4.1.
var addressValidTransitions = map[AddressState]map[AddressState]bool{
	AddressUnknown: {
		AddressChecking:  true,
		AddressSilent:    true, // end_synchro, no auto-fence
		AddressIsolating: true, // end_synchro, auto-fence on
	},
	AddressChecking: {
		AddressRunning:   true,
		AddressSilent:    true,
		AddressIsolating: true,
	},
	AddressRunning: {
		AddressSilent:    true,
		AddressIsolating: true,
	},
	AddressSilent: {
		AddressChecking: true,
	},
	AddressIsolating: {
		AddressIsolated: true,
	},
	AddressIsolated: {}, // terminal
}

// CanTransitionTo reports whether s -> target is a legal AddressStatus move.
func (s AddressState) CanTransitionTo(target AddressState) bool {
	allowed, ok := addressValidTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// IsTerminal reports whether s is ISOLATED, from which there is no exit.
func (s AddressState) IsTerminal() bool {
	return s == AddressIsolated
}

// ProcessState is the derived, cluster-wide state of a ProcessStatus.
type ProcessState int

const (
	ProcessStopped ProcessState = iota
	ProcessStarting
	ProcessBackoff
	ProcessRunning
	ProcessStopping
	ProcessExited
	ProcessFatal
	ProcessUnknown
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStopped:
		return "STOPPED"
	case ProcessStarting:
		return "STARTING"
	case ProcessBackoff:
		return "BACKOFF"
	case ProcessRunning:
		return "RUNNING"
	case ProcessStopping:
		return "STOPPING"
	case ProcessExited:
		return "EXITED"
	case ProcessFatal:
		return "FATAL"
	case ProcessUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseProcessState parses a per-address process event's "state" field.
func ParseProcessState(s string) (ProcessState, error) {
	switch s {
	case "STOPPED":
		return ProcessStopped, nil
	case "STARTING":
		return ProcessStarting, nil
	case "BACKOFF":
		return ProcessBackoff, nil
	case "RUNNING":
		return ProcessRunning, nil
	case "STOPPING":
		return ProcessStopping, nil
	case "EXITED":
		return ProcessExited, nil
	case "FATAL":
		return ProcessFatal, nil
	case "UNKNOWN":
		return ProcessUnknown, nil
	default:
		return ProcessUnknown, fmt.Errorf("clusterstate: unknown process state %q", s)
	}
}

// IsStarting reports whether s is one of the non-terminal starting states
// (STARTING or BACKOFF), the states that Starter.IsTerminal does not count
// as ending a start.
func (s ProcessState) IsStarting() bool {
	return s == ProcessStarting || s == ProcessBackoff
}

// ApplicationState is the derived state of an ApplicationStatus.
type ApplicationState int

const (
	ApplicationStopped ApplicationState = iota
	ApplicationStarting
	ApplicationRunning
	ApplicationStopping
)

func (s ApplicationState) String() string {
	switch s {
	case ApplicationStopped:
		return "STOPPED"
	case ApplicationStarting:
		return "STARTING"
	case ApplicationRunning:
		return "RUNNING"
	case ApplicationStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// FailureStrategy is an application-level policy for what the Starter does
// with the plan when a required process fails to start.
type FailureStrategy int

const (
	FailureAbort FailureStrategy = iota
	FailureContinue
	FailureStop
	// Running-failure-only strategies; applied by a higher-level reactor,
	// not the Commander itself (spec.md §6).
	FailureRestartProcess
	FailureStopApplication
	FailureRestartApplication
)

// PlacementStrategy selects how get_address chooses among candidate hosts.
type PlacementStrategy int

const (
	PlacementConfig PlacementStrategy = iota
	PlacementLessLoaded
	PlacementMostLoaded
)
