// Package memory provides an in-memory reference implementation of every
// collab interface, used by tests, the demo command, and anywhere a real
// XML-RPC-style peer transport is out of scope. Its bookkeeping style
// (a guarded map per process, recorded under a single mutex) follows the
// small in-memory process trackers found throughout the example corpus's
// process-supervision tools rather than any single one verbatim.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
	"github.com/zjrosen/clusterd/internal/config"
)

// AddressMapper is a static membership view built from configuration.
type AddressMapper struct {
	addresses []clusterstate.Address
	local     clusterstate.Address
	valid     map[clusterstate.Address]bool
}

// NewAddressMapper builds an AddressMapper from the configured member list.
func NewAddressMapper(addrs []clusterstate.Address, local clusterstate.Address) *AddressMapper {
	valid := make(map[clusterstate.Address]bool, len(addrs))
	for _, a := range addrs {
		valid[a] = true
	}
	return &AddressMapper{addresses: addrs, local: local, valid: valid}
}

func (m *AddressMapper) Addresses() []clusterstate.Address  { return m.addresses }
func (m *AddressMapper) LocalAddress() clusterstate.Address { return m.local }
func (m *AddressMapper) Valid(addr clusterstate.Address) bool {
	return m.valid[addr]
}

// PeerHost is the per-peer state a fake Requester answers from: its own
// view of every address it knows about, and its process inventory.
type PeerHost struct {
	mu          sync.Mutex
	addressView map[clusterstate.Address]clusterstate.AddressState
	processes   []collab.ProcessInfo
	unreachable bool
}

// NewPeerHost creates an empty PeerHost.
func NewPeerHost() *PeerHost {
	return &PeerHost{addressView: make(map[clusterstate.Address]clusterstate.AddressState)}
}

// SetAddressView records how this peer currently sees subject.
func (h *PeerHost) SetAddressView(subject clusterstate.Address, state clusterstate.AddressState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addressView[subject] = state
}

// SetProcesses replaces this peer's reported process inventory.
func (h *PeerHost) SetProcesses(procs []collab.ProcessInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processes = procs
}

// SetUnreachable makes every call to this peer fail with a TransportError,
// simulating a down or partitioned host.
func (h *PeerHost) SetUnreachable(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = v
}

// Requester fans out to a set of PeerHosts keyed by address.
type Requester struct {
	mu    sync.RWMutex
	peers map[clusterstate.Address]*PeerHost

	// authCache memoizes the authorization verdict per (peer, subject)
	// until InvalidateAuth drops it, so a flapping peer doesn't force a
	// fresh RPC on every tick. Entries never expire on their own.
	authCache *cache.Cache
}

// NewRequester builds a Requester over the given peer map.
func NewRequester(peers map[clusterstate.Address]*PeerHost) *Requester {
	return &Requester{
		peers:     peers,
		authCache: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (r *Requester) peer(addr clusterstate.Address) (*PeerHost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	if !ok {
		return nil, &clusterstate.TransportError{Peer: addr, Op: "lookup", Err: fmt.Errorf("no such peer")}
	}
	return p, nil
}

func (r *Requester) AddressInfo(ctx context.Context, peer, subject clusterstate.Address) (collab.PeerAddressInfo, error) {
	p, err := r.peer(peer)
	if err != nil {
		return collab.PeerAddressInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return collab.PeerAddressInfo{}, &clusterstate.TransportError{Peer: peer, Op: "address_info", Err: fmt.Errorf("connection refused")}
	}
	return collab.PeerAddressInfo{State: p.addressView[subject]}, nil
}

func (r *Requester) AllProcessInfo(ctx context.Context, peer clusterstate.Address) ([]collab.ProcessInfo, error) {
	p, err := r.peer(peer)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return nil, &clusterstate.TransportError{Peer: peer, Op: "all_process_info", Err: fmt.Errorf("connection refused")}
	}
	out := make([]collab.ProcessInfo, len(p.processes))
	copy(out, p.processes)
	return out, nil
}

// Authorized reports whether subject is neither ISOLATING nor ISOLATED in
// peer's view, memoizing the verdict until InvalidateAuth is called so a
// tick storm doesn't repeat the same RPC every time (spec.md §4.1 fencing
// protocol).
func (r *Requester) Authorized(ctx context.Context, peer, subject clusterstate.Address) (bool, error) {
	key := string(peer) + "|" + string(subject)
	if v, ok := r.authCache.Get(key); ok {
		return v.(bool), nil
	}
	info, err := r.AddressInfo(ctx, peer, subject)
	if err != nil {
		return false, err
	}
	ok := info.State != clusterstate.AddressIsolating && info.State != clusterstate.AddressIsolated
	r.authCache.Set(key, ok, cache.DefaultExpiration)
	return ok, nil
}

// InvalidateAuth drops a memoized authorization verdict, e.g. once a peer
// re-enters CHECKING and must be re-authorized from scratch.
func (r *Requester) InvalidateAuth(peer, subject clusterstate.Address) {
	r.authCache.Delete(string(peer) + "|" + string(subject))
}

// Pusher records every dispatched command in memory; a test or the demo
// command can apply the corresponding process event back through Context.
type Pusher struct {
	mu     sync.Mutex
	starts []StartCommand
	stops  []StopCommand
}

// StartCommand is one recorded send_start_process call.
type StartCommand struct {
	Addr      clusterstate.Address
	NS        clusterstate.Namespec
	ExtraArgs string
	RequestID string
}

// StopCommand is one recorded send_stop_process call.
type StopCommand struct {
	Addr      clusterstate.Address
	NS        clusterstate.Namespec
	RequestID string
}

// NewPusher creates an empty Pusher.
func NewPusher() *Pusher { return &Pusher{} }

func (p *Pusher) SendStartProcess(addr clusterstate.Address, ns clusterstate.Namespec, extraArgs, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, StartCommand{Addr: addr, NS: ns, ExtraArgs: extraArgs, RequestID: requestID})
}

func (p *Pusher) SendStopProcess(addr clusterstate.Address, ns clusterstate.Namespec, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, StopCommand{Addr: addr, NS: ns, RequestID: requestID})
}

// Starts returns a snapshot of every start command dispatched so far.
func (p *Pusher) Starts() []StartCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartCommand, len(p.starts))
	copy(out, p.starts)
	return out
}

// Stops returns a snapshot of every stop command dispatched so far.
func (p *Pusher) Stops() []StopCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StopCommand, len(p.stops))
	copy(out, p.stops)
	return out
}

// Publisher fans status changes out to in-process subscribers, a thin
// wrapper the demo command uses in place of a real message bus.
type Publisher struct {
	mu   sync.Mutex
	subs []chan any
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Subscribe registers a new best-effort channel; a full channel drops the
// event rather than blocking the core (spec.md §4.5 fan-out is best-effort).
func (p *Publisher) Subscribe(buf int) <-chan any {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan any, buf)
	p.subs = append(p.subs, ch)
	return ch
}

func (p *Publisher) publish(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (p *Publisher) SendAddressStatus(s clusterstate.AddressStatus)         { p.publish(s) }
func (p *Publisher) SendProcessStatus(s clusterstate.ProcessStatus)         { p.publish(s) }
func (p *Publisher) SendApplicationStatus(s clusterstate.ApplicationStatus) { p.publish(s) }

// ProcessInfoSource tracks forced terminal states locally, always
// succeeding (never returning collab.ErrNotFound) since it has no real
// external process manager to consult.
type ProcessInfoSource struct {
	mu     sync.Mutex
	forced map[clusterstate.Namespec]clusterstate.ProcessState
}

// NewProcessInfoSource creates an empty ProcessInfoSource.
func NewProcessInfoSource() *ProcessInfoSource {
	return &ProcessInfoSource{forced: make(map[clusterstate.Namespec]clusterstate.ProcessState)}
}

func (s *ProcessInfoSource) ForceProcessFatal(ns clusterstate.Namespec, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced[ns] = clusterstate.ProcessFatal
	return nil
}

func (s *ProcessInfoSource) ForceProcessUnknown(ns clusterstate.Namespec, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced[ns] = clusterstate.ProcessUnknown
	return nil
}

// Forced returns the last forced state for ns, if any.
func (s *ProcessInfoSource) Forced(ns clusterstate.Namespec) (clusterstate.ProcessState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.forced[ns]
	return st, ok
}

// Parser loads rules from a config.RuleSet, which may be hot-reloaded
// (see config.ReloadRuleSet).
type Parser struct {
	mu sync.RWMutex
	rs *config.RuleSet
}

// NewParser wraps an initial RuleSet.
func NewParser(rs *config.RuleSet) *Parser {
	return &Parser{rs: rs}
}

// SetRuleSet swaps in a freshly (re)loaded RuleSet, taking effect for any
// subsequent LoadApplicationRules/LoadProcessRules call.
func (p *Parser) SetRuleSet(rs *config.RuleSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rs = rs
}

func (p *Parser) LoadApplicationRules(app *clusterstate.ApplicationStatus) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.rs.Application(app.Name)
	if !ok {
		return
	}
	app.Rules.StartSequenceRank = cfg.StartSequenceRank
	app.Rules.StopSequenceRank = cfg.StopSequenceRank
	app.Rules.StartingFailureStrategy = parseFailureStrategy(cfg.StartingFailureStrategy)
	app.Rules.RunningFailureStrategy = parseFailureStrategy(cfg.RunningFailureStrategy)
}

func (p *Parser) LoadProcessRules(proc *clusterstate.ProcessStatus) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.rs.Process(proc.AppName, proc.ProcName)
	if !ok {
		return
	}
	proc.Rules.Required = cfg.Required
	proc.Rules.WaitExit = cfg.WaitExit
	proc.Rules.ExpectedLoading = cfg.ExpectedLoading
	proc.Rules.StartRank = cfg.StartRank
	proc.Rules.StopRank = cfg.StopRank
	addrs := make([]clusterstate.Address, len(cfg.StartingAddresses))
	for i, a := range cfg.StartingAddresses {
		addrs[i] = clusterstate.Address(a)
	}
	proc.Rules.StartingAddresses = addrs
}

func parseFailureStrategy(s string) clusterstate.FailureStrategy {
	switch s {
	case "continue":
		return clusterstate.FailureContinue
	case "stop":
		return clusterstate.FailureStop
	case "restart_process":
		return clusterstate.FailureRestartProcess
	case "stop_application":
		return clusterstate.FailureStopApplication
	case "restart_application":
		return clusterstate.FailureRestartApplication
	default:
		return clusterstate.FailureAbort
	}
}

// Placer implements get_address over a fixed candidate list per process,
// honoring CONFIG (first eligible in StartingAddresses order), and
// LESS_LOADED/MOST_LOADED by consulting the per-address loads recorded
// with SetLoading (an address never recorded counts as load 0).
type Placer struct {
	mu      sync.Mutex
	loading map[clusterstate.Address]int
	valid   func(clusterstate.Address) bool
}

// NewPlacer builds a Placer; valid reports whether an address is an
// eligible placement target (typically AddressMapper.Valid combined with
// "currently RUNNING").
func NewPlacer(valid func(clusterstate.Address) bool) *Placer {
	return &Placer{loading: make(map[clusterstate.Address]int), valid: valid}
}

// SetLoading records addr's current load, consulted by LESS_LOADED and
// MOST_LOADED placement.
func (p *Placer) SetLoading(addr clusterstate.Address, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading[addr] = n
}

func (p *Placer) GetAddress(strategy clusterstate.PlacementStrategy, rules clusterstate.ProcessRules, loading int) (clusterstate.Address, bool) {
	candidates := rules.StartingAddresses
	var eligible []clusterstate.Address
	for _, a := range candidates {
		if p.valid == nil || p.valid(a) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	switch strategy {
	case clusterstate.PlacementLessLoaded:
		return p.extremeLoaded(eligible, false), true
	case clusterstate.PlacementMostLoaded:
		return p.extremeLoaded(eligible, true), true
	default: // PlacementConfig: static order
		return eligible[0], true
	}
}

func (p *Placer) extremeLoaded(candidates []clusterstate.Address, most bool) clusterstate.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := candidates[0]
	bestLoad := p.loading[best]
	for _, c := range candidates[1:] {
		load := p.loading[c]
		if (most && load > bestLoad) || (!most && load < bestLoad) {
			best, bestLoad = c, load
		}
	}
	return best
}
