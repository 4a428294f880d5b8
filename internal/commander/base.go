package commander

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/tracing"
)

// JobHandler is the per-verb behavior Base delegates to: Starter and
// Stopper each implement it, supplying what "processing a job" and
// "terminal" mean for their direction (spec.md §4.2-§4.4).
type JobHandler interface {
	// ProcessJob attempts to dispatch proc and reports whether a command
	// was actually sent. A false return (e.g. already in the target
	// state) lets Base skip straight to the next inner rank instead of
	// waiting on an event that will never arrive.
	ProcessJob(proc *clusterstate.ProcessStatus) bool

	// IsTerminal reports whether state ends proc's participation in the
	// current inner-rank barrier.
	IsTerminal(state clusterstate.ProcessState) bool

	// OnTimeout is called when proc has been in flight longer than the
	// command timeout with no terminal event observed.
	OnTimeout(proc *clusterstate.ProcessStatus)
}

// Base implements the two-level ordered job scheduler shared by Starter
// and Stopper: an outer rank barrier over applications (PlannedSequence),
// an inner rank barrier over processes within one application
// (PlannedJobs), and the in-flight set awaiting a terminal event
// (CurrentJobs). At most one of PlannedSequence/PlannedJobs/CurrentJobs
// holds a given process at a time (spec.md §4.2 invariant).
type Base struct {
	Impl JobHandler

	PlannedSequence *Plan
	PlannedJobs     AppBatch
	CurrentJobs     map[string][]*clusterstate.ProcessStatus

	Clock          clock.Clock
	CommandTimeout time.Duration
	Verb           string // "started" or "stopped", used in dispatch span names and attributes

	Tracer trace.Tracer
}

// NewBase constructs a Base with empty plan state.
func NewBase(impl JobHandler, c clock.Clock, timeout time.Duration, verb string) *Base {
	return &Base{
		Impl:            impl,
		PlannedSequence: NewPlan(),
		PlannedJobs:     make(AppBatch),
		CurrentJobs:     make(map[string][]*clusterstate.ProcessStatus),
		Clock:           c,
		CommandTimeout:  timeout,
		Verb:            verb,
		Tracer:          noop.NewTracerProvider().Tracer("noop"),
	}
}

// WithTracer attaches a tracer spanning each application's inner-rank
// dispatch. Call before StartSequence.
func (b *Base) WithTracer(t trace.Tracer) *Base {
	b.Tracer = t
	return b
}

// InProgress reports whether any plan state remains: an outer rank still
// queued, an inner rank still queued for some app, or processes in flight.
func (b *Base) InProgress() bool {
	return !b.PlannedSequence.Empty() || len(b.PlannedJobs) > 0 || len(b.CurrentJobs) > 0
}

// StartSequence seeds PlannedSequence and immediately dispatches the first
// outer rank, since there is nothing else in flight to wait on.
func (b *Base) StartSequence(plan *Plan) {
	b.PlannedSequence = plan
	b.advanceIfDrained()
}

// dispatchOuterBatch installs batch as the current outer rank's jobs and
// starts each app's inner-rank dispatch concurrently.
func (b *Base) dispatchOuterBatch(batch AppBatch) {
	b.PlannedJobs = batch
	for _, app := range sortedKeys(batch) {
		b.ProcessApplicationJobs(app)
	}
}

// ProcessApplicationJobs pops app's next inner rank and dispatches it. If
// every process in that rank is a no-op (ProcessJob returns false for all
// of them), it keeps popping rather than waiting on an event that will
// never come. When app's inner batch is exhausted, app is retired from
// PlannedJobs and, if that drains the outer rank, the next outer rank is
// advanced.
func (b *Base) ProcessApplicationJobs(app string) {
	for {
		inner, ok := b.PlannedJobs[app]
		if !ok {
			return
		}
		rank, procs, ok := inner.PopMin()
		if !ok {
			delete(b.PlannedJobs, app)
			b.advanceIfDrained()
			return
		}

		_, span := b.Tracer.Start(context.Background(), tracing.SpanPrefixDispatch+b.Verb)
		span.SetAttributes(
			attribute.String(tracing.AttrApplication, app),
			attribute.String(tracing.AttrVerb, b.Verb),
			attribute.Int(tracing.AttrRank, rank),
		)

		var inFlight []*clusterstate.ProcessStatus
		for _, proc := range procs {
			if b.Impl.ProcessJob(proc) {
				inFlight = append(inFlight, proc)
			}
		}
		span.End()
		if len(inFlight) > 0 {
			b.CurrentJobs[app] = inFlight
			return
		}
		// nothing dispatched at this rank; fall through to the next one
	}
}

// advanceIfDrained pops the next outer rank once PlannedJobs is fully
// empty, i.e. every app from the previous outer rank has finished.
func (b *Base) advanceIfDrained() {
	if len(b.PlannedJobs) > 0 {
		return
	}
	if _, batch, ok := b.PlannedSequence.PopMin(); ok {
		b.dispatchOuterBatch(batch)
	}
}

// OnEvent folds a process event into the in-flight barrier for proc's
// application. Non-terminal events (e.g. STARTING while waiting for
// RUNNING) are ignored. On removal, proc.IgnoreWaitExit is cleared so a
// later, unrelated exit counts normally. Once every in-flight process for
// the app reaches a terminal state, the app's next inner rank is
// dispatched, cascading into the next outer rank if that was the last app
// of its batch.
func (b *Base) OnEvent(proc *clusterstate.ProcessStatus) {
	app := proc.AppName
	jobs, ok := b.CurrentJobs[app]
	if !ok {
		return
	}
	if !b.Impl.IsTerminal(proc.State) {
		return
	}

	proc.IgnoreWaitExit = false

	remaining := jobs[:0]
	for _, p := range jobs {
		if p != proc {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(b.CurrentJobs, app)
		b.ProcessApplicationJobs(app)
		return
	}
	b.CurrentJobs[app] = remaining
}

// Check scans in-flight jobs for ones that have exceeded the command
// timeout without a terminal event, reporting each to Impl.OnTimeout, and
// reports whether the commander has nothing left in progress afterward.
func (b *Base) Check() bool {
	now := b.Clock.Now()
	var timedOut []*clusterstate.ProcessStatus
	for _, jobs := range b.CurrentJobs {
		for _, proc := range jobs {
			if now.Sub(proc.RequestTime) >= b.CommandTimeout {
				timedOut = append(timedOut, proc)
			}
		}
	}
	for _, proc := range timedOut {
		b.Impl.OnTimeout(proc)
	}
	return !b.InProgress()
}

// Abort discards all plan state, e.g. on a cluster-wide reset.
func (b *Base) Abort() {
	b.PlannedSequence = NewPlan()
	b.PlannedJobs = make(AppBatch)
	b.CurrentJobs = make(map[string][]*clusterstate.ProcessStatus)
}
