package clusterstate

import (
	"fmt"
	"time"
)

// AddressStatus is the per-member record: lifecycle state machine plus the
// last-seen timestamps used to detect silence. Invariants (spec.md §3):
//   - ISOLATED is terminal.
//   - the local address never enters ISOLATING/ISOLATED.
//   - Checked implies a successful authorization and process load since the
//     last transition out of UNKNOWN.
type AddressStatus struct {
	Addr       Address
	State      AddressState
	Checked    bool
	RemoteTime time.Time
	LocalTime  time.Time

	// Processes is the set of namespecs this address is known to host.
	// Context updates membership as process info loads and as the address
	// is invalidated.
	Processes map[Namespec]struct{}
}

// NewAddressStatus creates an AddressStatus in the bootstrap UNKNOWN state.
func NewAddressStatus(addr Address) *AddressStatus {
	return &AddressStatus{
		Addr:      addr,
		State:     AddressUnknown,
		Processes: make(map[Namespec]struct{}),
	}
}

// TransitionTo moves the AddressStatus to target, returning an error if the
// move is not legal from the current state.
func (a *AddressStatus) TransitionTo(target AddressState) error {
	if !a.State.CanTransitionTo(target) {
		return fmt.Errorf("clusterstate: invalid address transition %s -> %s for %s", a.State, target, a.Addr)
	}
	a.State = target
	if target != AddressRunning {
		// Checked is only meaningful between a CHECKING entry and the next
		// invalidation; clear it whenever we leave the authorized state.
		if target == AddressSilent || target == AddressIsolating {
			a.Checked = false
		}
	}
	return nil
}

// AddProcess registers a namespec as hosted by this address.
func (a *AddressStatus) AddProcess(ns Namespec) {
	a.Processes[ns] = struct{}{}
}

// HostedProcesses returns the namespecs currently registered to this
// address, in no particular order.
func (a *AddressStatus) HostedProcesses() []Namespec {
	out := make([]Namespec, 0, len(a.Processes))
	for ns := range a.Processes {
		out = append(out, ns)
	}
	return out
}
