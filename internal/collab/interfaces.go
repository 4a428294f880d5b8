// Package collab declares the external collaborator interfaces the core
// consumes (spec.md §4.5): the per-host process manager, the peer-state
// RPC client, the event fan-out, and the rule parser. These are
// deliberately specified only at their interface to the core — the real
// XML-RPC-style implementations are out of scope; package memory provides
// an in-memory reference implementation for tests and the demo command.
package collab

import (
	"context"
	"time"

	"github.com/zjrosen/clusterd/internal/clusterstate"
)

// AddressMapper is the configured, static view of cluster membership.
type AddressMapper interface {
	Addresses() []clusterstate.Address
	LocalAddress() clusterstate.Address
	Valid(addr clusterstate.Address) bool
}

// PeerAddressInfo is the peer's own view of an address, as returned by
// Requester.AddressInfo. Only State is consulted by the core.
type PeerAddressInfo struct {
	State clusterstate.AddressState
}

// ProcessInfo is one entry of Requester.AllProcessInfo.
type ProcessInfo struct {
	Group        string
	Name         string
	State        clusterstate.ProcessState
	Start        time.Time
	Stop         time.Time
	Now          time.Time
	PID          int
	Spawnerr     string
	Description  string
	ExpectedExit bool
}

// Requester pulls peer state over the (out of scope) XML-RPC-style
// transport. Both methods fail with a *clusterstate.TransportError.
type Requester interface {
	AddressInfo(ctx context.Context, peer clusterstate.Address, subject clusterstate.Address) (PeerAddressInfo, error)
	AllProcessInfo(ctx context.Context, peer clusterstate.Address) ([]ProcessInfo, error)
}

// Pusher dispatches start/stop commands fire-and-forget: completion is
// observed only through subsequent process events, never through this
// interface's return value. Enqueue itself is thread-safe per spec.md §5.
type Pusher interface {
	SendStartProcess(addr clusterstate.Address, ns clusterstate.Namespec, extraArgs, requestID string)
	SendStopProcess(addr clusterstate.Address, ns clusterstate.Namespec, requestID string)
}

// Publisher fans out status changes. Fan-out is best-effort: a slow or
// absent subscriber never blocks the core.
type Publisher interface {
	SendAddressStatus(clusterstate.AddressStatus)
	SendProcessStatus(clusterstate.ProcessStatus)
	SendApplicationStatus(clusterstate.ApplicationStatus)
}

// ErrNotFound is returned by ProcessInfoSource methods when the process
// manager has no record of the namespec; callers fall back to directly
// updating the in-process view instead of propagating the error.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "process not found" }

// ProcessInfoSource lets the Commander force a terminal state on the
// per-host process manager, best-effort.
type ProcessInfoSource interface {
	ForceProcessFatal(ns clusterstate.Namespec, reason string) error
	ForceProcessUnknown(ns clusterstate.Namespec, reason string) error
}

// Parser loads rules for a newly discovered application or process.
type Parser interface {
	LoadApplicationRules(app *clusterstate.ApplicationStatus)
	LoadProcessRules(proc *clusterstate.ProcessStatus)
}

// Placer is the pure placement function get_address(strategy, rules,
// loading) -> address, with no side effects.
type Placer interface {
	GetAddress(strategy clusterstate.PlacementStrategy, rules clusterstate.ProcessRules, loading int) (clusterstate.Address, bool)
}
