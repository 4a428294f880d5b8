// Package clustercontext implements the Context component: the
// authoritative owner of the address and application/process maps. It
// ingests ticks, process events, and a periodic timer; performs
// auto-fencing; and publishes status changes (spec.md §4.1).
//
// Context itself is synchronous and holds no goroutines — every exported
// method assumes it is called from a single logical event loop thread.
// Loop, in loop.go, provides that thread, grounded on the same
// single-threaded FIFO processing style as the rest of the corpus's
// command processors.
package clustercontext

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
	"github.com/zjrosen/clusterd/internal/log"
)

// ProcessEvent is the field-level process event schema of spec.md §6.
type ProcessEvent struct {
	GroupName   string
	ProcessName string
	State       clusterstate.ProcessState
	Expected    bool
	Extra       map[string]any
}

// Context owns cluster membership and application/process state.
type Context struct {
	mapper      collab.AddressMapper
	requester   collab.Requester
	publisher   collab.Publisher
	parser      collab.Parser
	clock       clock.Clock
	autoFence   bool
	tickTimeout time.Duration

	addresses    map[clusterstate.Address]*clusterstate.AddressStatus
	applications map[string]*clusterstate.ApplicationStatus
	processes    map[clusterstate.Namespec]*clusterstate.ProcessStatus
}

// New builds a Context with a freshly bootstrapped AddressStatus for every
// configured member, all starting in UNKNOWN (spec.md §3 Lifecycle).
func New(mapper collab.AddressMapper, requester collab.Requester, publisher collab.Publisher, parser collab.Parser, c clock.Clock, autoFence bool, tickTimeout time.Duration) *Context {
	ctx := &Context{
		mapper:       mapper,
		requester:    requester,
		publisher:    publisher,
		parser:       parser,
		clock:        c,
		autoFence:    autoFence,
		tickTimeout:  tickTimeout,
		addresses:    make(map[clusterstate.Address]*clusterstate.AddressStatus),
		applications: make(map[string]*clusterstate.ApplicationStatus),
		processes:    make(map[clusterstate.Namespec]*clusterstate.ProcessStatus),
	}
	for _, addr := range mapper.Addresses() {
		ctx.addresses[addr] = clusterstate.NewAddressStatus(addr)
	}
	return ctx
}

// Address returns the AddressStatus for addr, if configured.
func (c *Context) Address(addr clusterstate.Address) (*clusterstate.AddressStatus, bool) {
	a, ok := c.addresses[addr]
	return a, ok
}

// Application satisfies commander.AppLookup, letting Starter/Stopper
// resolve an application's rules without owning the map themselves.
func (c *Context) Application(name string) (*clusterstate.ApplicationStatus, bool) {
	app, ok := c.applications[name]
	return app, ok
}

// Applications returns every known ApplicationStatus, in no particular
// order.
func (c *Context) Applications() []*clusterstate.ApplicationStatus {
	out := make([]*clusterstate.ApplicationStatus, 0, len(c.applications))
	for _, app := range c.applications {
		out = append(out, app)
	}
	return out
}

// Process looks up a single ProcessStatus by namespec.
func (c *Context) Process(ns clusterstate.Namespec) (*clusterstate.ProcessStatus, bool) {
	p, ok := c.processes[ns]
	return p, ok
}

// Conflicting reports whether any tracked process is observed active on
// more than one address at once (spec.md §8 universal invariant).
func (c *Context) Conflicting() bool {
	for _, p := range c.processes {
		if p.Conflicting() {
			return true
		}
	}
	return false
}

// OnTick ingests a liveness heartbeat from addr (spec.md §4.1).
func (c *Context) OnTick(addr clusterstate.Address, when time.Time) error {
	if !c.mapper.Valid(addr) {
		log.Warn(log.CatContext, "tick from unknown address", "address", addr)
		return &clusterstate.UnknownAddressError{Addr: addr}
	}
	status := c.addresses[addr]
	if status.State == clusterstate.AddressIsolated {
		return nil
	}

	if !status.Checked {
		if status.State != clusterstate.AddressChecking {
			if err := status.TransitionTo(clusterstate.AddressChecking); err != nil {
				log.Bug(log.CatContext, "illegal transition to CHECKING", err, "address", addr)
				return err
			}
			c.publisher.SendAddressStatus(*status)
		}
		if err := c.checkAddress(status); err != nil {
			return err
		}
		if status.State != clusterstate.AddressChecking {
			// check_address invalidated the address (SILENT or ISOLATING).
			return nil
		}
	}

	if status.State != clusterstate.AddressRunning {
		if err := status.TransitionTo(clusterstate.AddressRunning); err != nil {
			log.Bug(log.CatContext, "illegal transition to RUNNING", err, "address", addr)
			return err
		}
	}
	status.RemoteTime = when
	status.LocalTime = c.clock.Now()
	c.publisher.SendAddressStatus(*status)
	return nil
}

// OnProcessEvent ingests a per-process event from addr, returning the
// updated ProcessStatus so the caller (the Listener, in the Loop) can hand
// it to the active Commander's on_event (spec.md §4.1/§2 data flow).
func (c *Context) OnProcessEvent(addr clusterstate.Address, event ProcessEvent) (*clusterstate.ProcessStatus, error) {
	if !c.mapper.Valid(addr) {
		log.Warn(log.CatContext, "process event from unknown address", "address", addr)
		return nil, &clusterstate.UnknownAddressError{Addr: addr}
	}
	status := c.addresses[addr]
	if status.State == clusterstate.AddressIsolated {
		return nil, nil
	}

	ns := clusterstate.Namespec{AppName: event.GroupName, ProcName: event.ProcessName}
	proc, ok := c.processes[ns]
	if !ok {
		log.Debug(log.CatContext, "process event for unknown process", "namespec", ns.String())
		return nil, &clusterstate.UnknownProcessError{NS: ns}
	}

	proc.ApplyEvent(addr, event.State, event.Expected, c.clock.Now(), event.Extra)
	c.publisher.SendProcessStatus(*proc)
	if app, ok := c.applications[proc.AppName]; ok {
		app.Recompute()
		c.publisher.SendApplicationStatus(*app)
	}
	return proc, nil
}

// OnTimer invalidates any RUNNING address that has gone quiet longer than
// the configured tick timeout (spec.md §4.1).
func (c *Context) OnTimer() {
	now := c.clock.Now()
	for _, status := range c.addresses {
		if status.State == clusterstate.AddressRunning && now.Sub(status.LocalTime) > c.tickTimeout {
			c.invalid(status)
		}
	}
}

// EndSynchro invalidates any address still UNKNOWN once the initial
// synchronization window has elapsed (spec.md §9: the source's end_synchro
// is a no-op; this eagerly invalidates instead, the apparent intent).
func (c *Context) EndSynchro() {
	for _, status := range c.addresses {
		if status.State == clusterstate.AddressUnknown {
			c.invalid(status)
		}
	}
}

// HandleIsolation promotes every ISOLATING address to ISOLATED, publishing
// each, and returns the list of addresses that were just isolated so the
// transport layer can physically disconnect them.
func (c *Context) HandleIsolation() []clusterstate.Address {
	var isolated []clusterstate.Address
	for addr, status := range c.addresses {
		if status.State != clusterstate.AddressIsolating {
			continue
		}
		if err := status.TransitionTo(clusterstate.AddressIsolated); err != nil {
			log.Bug(log.CatContext, "illegal transition to ISOLATED", err, "address", addr)
			continue
		}
		c.publisher.SendAddressStatus(*status)
		isolated = append(isolated, addr)
	}
	return sortedAddresses(isolated)
}

// checkAddress runs the one-shot fencing handshake (if auto-fence is on)
// and the initial process inventory load for status, per spec.md §4.1.
func (c *Context) checkAddress(status *clusterstate.AddressStatus) error {
	ctx := context.Background()

	if c.autoFence {
		resp, err := c.requester.AddressInfo(ctx, status.Addr, c.mapper.LocalAddress())
		if err != nil {
			c.logTransportBug(err, status.Addr, "address_info")
			return err
		}
		authorized := resp.State != clusterstate.AddressIsolating && resp.State != clusterstate.AddressIsolated
		if !authorized {
			log.Warn(log.CatFencing, "peer denied authorization", "address", status.Addr)
			c.invalid(status)
			return nil
		}
	}

	info, err := c.requester.AllProcessInfo(ctx, status.Addr)
	if err != nil {
		c.logTransportBug(err, status.Addr, "all_process_info")
		return err
	}
	if len(info) == 0 {
		c.invalid(status)
		return nil
	}

	c.loadProcesses(status.Addr, info)
	status.Checked = true
	return nil
}

func (c *Context) logTransportBug(err error, addr clusterstate.Address, op string) {
	var te *clusterstate.TransportError
	if errors.As(err, &te) {
		log.Bug(log.CatFencing, "transport error", err, "address", addr, "op", op)
		return
	}
	log.Bug(log.CatFencing, "unexpected collaborator error", err, "address", addr, "op", op)
}

// invalid transitions status out of its authorized state: to ISOLATING if
// auto-fence is on and the address is not local, else to SILENT. Every
// process hosted by this address is invalidated, which may mark it for
// restart if it was required/RUNNING (spec.md §4.1).
func (c *Context) invalid(status *clusterstate.AddressStatus) {
	isLocal := status.Addr == c.mapper.LocalAddress()

	target := clusterstate.AddressSilent
	if c.autoFence && !isLocal {
		target = clusterstate.AddressIsolating
	}
	if err := status.TransitionTo(target); err != nil {
		log.Bug(log.CatContext, "illegal invalidation transition", err, "address", status.Addr, "target", target.String())
		return
	}

	// The AddressStatus transition is published before the ProcessStatus
	// transitions it triggers (spec.md §5 ordering guarantee).
	c.publisher.SendAddressStatus(*status)

	for _, ns := range status.HostedProcesses() {
		proc, ok := c.processes[ns]
		if !ok {
			continue
		}
		proc.InvalidateAddress(status.Addr)
		c.publisher.SendProcessStatus(*proc)
		if app, ok := c.applications[proc.AppName]; ok {
			app.Recompute()
			c.publisher.SendApplicationStatus(*app)
		}
	}
}

// loadProcesses folds a full all_process_info response into the
// application/process maps, creating entries lazily and loading rules for
// anything not seen before (spec.md §4.1, §3 Lifecycle).
func (c *Context) loadProcesses(addr clusterstate.Address, allInfo []collab.ProcessInfo) {
	status := c.addresses[addr]
	for _, info := range allInfo {
		app, ok := c.applications[info.Group]
		if !ok {
			app = clusterstate.NewApplicationStatus(info.Group)
			c.parser.LoadApplicationRules(app)
			c.applications[info.Group] = app
		}

		ns := clusterstate.Namespec{AppName: info.Group, ProcName: info.Name}
		proc, ok := c.processes[ns]
		if !ok {
			proc = clusterstate.NewProcessStatus(info.Group, info.Name)
			c.parser.LoadProcessRules(proc)
			c.processes[ns] = proc
			app.AddProcess(proc)
		}

		proc.LoadInfo(addr, info.State, info.ExpectedExit, info.Spawnerr, info.PID)
		proc.MarkConflict()
		status.AddProcess(ns)
		app.Recompute()
	}
}

// sortedAddresses returns addrs in ascending lexical order, so
// HandleIsolation's result is deterministic for callers and tests.
func sortedAddresses(addrs []clusterstate.Address) []clusterstate.Address {
	slices.Sort(addrs)
	return addrs
}
