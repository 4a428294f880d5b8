// Package commander implements the two-level ordered job scheduler shared
// by Starter and Stopper (spec.md §4.2-§4.4): an outer rank barrier over
// applications, an inner rank barrier over processes within an
// application, and the plan-map bookkeeping in between.
package commander

import (
	"slices"

	"github.com/zjrosen/clusterd/internal/clusterstate"
)

// InnerBatch is the inner-rank level of a plan: inner rank -> process
// list, for one application. Processes within the same inner rank start
// or stop concurrently.
type InnerBatch map[int][]*clusterstate.ProcessStatus

// PopMin removes and returns the lowest inner rank still present,
// preserving the tie-break that dispatch order within a rank follows the
// sequence definition's list order (spec.md §4.2).
func (b InnerBatch) PopMin() (rank int, procs []*clusterstate.ProcessStatus, ok bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	min := 0
	first := true
	for r := range b {
		if first || r < min {
			min = r
			first = false
		}
	}
	procs = b[min]
	delete(b, min)
	return min, procs, true
}

// AppBatch is the outer-rank level of a plan: application name -> its
// inner batch. This is also the type of Commander.planned_jobs, the
// current outer-rank batch once popped from planned_sequence.
type AppBatch map[string]InnerBatch

// Plan is the value type modeling Commander.planned_sequence: an explicit
// sorted outer-rank map with pop_min/remove operations, replacing the
// source's bare nested dict (spec.md §9 design notes).
type Plan struct {
	ranks map[int]AppBatch
}

// NewPlan creates an empty Plan.
func NewPlan() *Plan {
	return &Plan{ranks: make(map[int]AppBatch)}
}

// Add merges procs into the plan at (outerRank, app, innerRank). Negative
// and zero ranks are valid and order normally (spec.md §4.2).
func (p *Plan) Add(outerRank int, app string, innerRank int, procs []*clusterstate.ProcessStatus) {
	if len(procs) == 0 {
		return
	}
	ab, ok := p.ranks[outerRank]
	if !ok {
		ab = make(AppBatch)
		p.ranks[outerRank] = ab
	}
	ib, ok := ab[app]
	if !ok {
		ib = make(InnerBatch)
		ab[app] = ib
	}
	ib[innerRank] = append(ib[innerRank], procs...)
}

// PopMin removes and returns the lowest outer rank still present.
func (p *Plan) PopMin() (rank int, batch AppBatch, ok bool) {
	if len(p.ranks) == 0 {
		return 0, nil, false
	}
	min := 0
	first := true
	for r := range p.ranks {
		if first || r < min {
			min = r
			first = false
		}
	}
	batch = p.ranks[min]
	delete(p.ranks, min)
	return min, batch, true
}

// RemoveApp drops every entry for app across all outer ranks, used by the
// Starter's ABORT/STOP failure strategies (spec.md §4.3).
func (p *Plan) RemoveApp(app string) {
	for rank, ab := range p.ranks {
		delete(ab, app)
		if len(ab) == 0 {
			delete(p.ranks, rank)
		}
	}
}

// Empty reports whether the plan has no remaining outer ranks.
func (p *Plan) Empty() bool {
	return len(p.ranks) == 0
}

// sortedKeys returns m's keys in ascending order, giving AppBatch iteration
// a deterministic (if arbitrary, app-name-ordered) tie-break.
func sortedKeys(m AppBatch) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
