package clustercontext

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/log"
	"github.com/zjrosen/clusterd/internal/tracing"
)

// Listener receives ProcessStatus updates that Context resolved from an
// incoming process event, handing them to the active Commander's on_event
// so a plan advances as soon as its events arrive (spec.md §2 data flow).
// Both Starter and Stopper satisfy this via their embedded *commander.Base.
type Listener interface {
	OnEvent(proc *clusterstate.ProcessStatus)
}

// Loop is the single logical event loop described in spec.md §5: every
// mutation of Context (and, transitively, of any Commander advanced from
// its events) happens on this one goroutine, fed by a FIFO queue exactly
// like the rest of the corpus's command processors — ticks, process
// events, and timer ticks are just three item kinds instead of one.
type Loop struct {
	ctx       *Context
	listeners []Listener
	tracer    trace.Tracer

	queue chan loopItem

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type loopItem struct {
	tick    *tickItem
	event   *eventItem
	timer   bool
	synchro bool
	action  *actionItem
}

type actionItem struct {
	fn   func()
	done chan struct{}
}

type tickItem struct {
	addr clusterstate.Address
	when time.Time
}

type eventItem struct {
	addr  clusterstate.Address
	event ProcessEvent
}

// DefaultQueueCapacity bounds how many pending ticks/events/timer fires the
// loop will buffer before Submit* calls start blocking the caller.
const DefaultQueueCapacity = 1024

// NewLoop wraps ctx with a FIFO event queue, notifying every listener (in
// order) whenever a process event resolves to a ProcessStatus.
func NewLoop(ctx *Context, listeners ...Listener) *Loop {
	return &Loop{
		ctx:       ctx,
		listeners: listeners,
		tracer:    noop.NewTracerProvider().Tracer("noop"),
		queue:     make(chan loopItem, DefaultQueueCapacity),
		done:      make(chan struct{}),
	}
}

// WithTracer attaches a tracer that spans every tick, process event, and
// timer fire the loop processes. Call before Run.
func (l *Loop) WithTracer(t trace.Tracer) *Loop {
	l.tracer = t
	return l
}

// Run blocks, processing queued items in arrival order until ctx is
// cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	l.runCtx, l.cancel = context.WithCancel(ctx)
	defer close(l.done)
	for {
		select {
		case <-l.runCtx.Done():
			return
		case item := <-l.queue:
			l.process(item)
		}
	}
}

// Stop cancels the loop and waits for the in-flight item, if any, to
// finish. Queued-but-unprocessed items are dropped.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

// SubmitTick enqueues a liveness heartbeat.
func (l *Loop) SubmitTick(addr clusterstate.Address, when time.Time) {
	l.queue <- loopItem{tick: &tickItem{addr: addr, when: when}}
}

// SubmitProcessEvent enqueues a per-process event.
func (l *Loop) SubmitProcessEvent(addr clusterstate.Address, event ProcessEvent) {
	l.queue <- loopItem{event: &eventItem{addr: addr, event: event}}
}

// SubmitTimer enqueues a timer tick (on_timer).
func (l *Loop) SubmitTimer() {
	l.queue <- loopItem{timer: true}
}

// SubmitEndSynchro enqueues the end of the initial synchronization window.
func (l *Loop) SubmitEndSynchro() {
	l.queue <- loopItem{synchro: true}
}

// Do runs fn on the loop goroutine and blocks until it finishes, serializing
// it with tick/event/timer processing. Every Commander dispatch an operator
// surface (REST/CLI) triggers — StartApplication, StopApplication,
// StartProcess, and so on — must go through Do rather than being called
// directly, since those calls mutate the same Context-owned state that
// on_event advances from the loop thread (spec.md §5).
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	l.queue <- loopItem{action: &actionItem{fn: fn, done: done}}
	<-done
}

func (l *Loop) process(item loopItem) {
	switch {
	case item.tick != nil:
		_, span := l.tracer.Start(context.Background(), tracing.SpanPrefixTick+string(item.tick.addr))
		span.SetAttributes(attribute.String(tracing.AttrAddress, string(item.tick.addr)))
		if err := l.ctx.OnTick(item.tick.addr, item.tick.when); err != nil {
			log.Debug(log.CatContext, "tick dropped", "address", item.tick.addr, "error", err.Error())
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	case item.event != nil:
		_, span := l.tracer.Start(context.Background(), tracing.SpanPrefixEvent+item.event.event.ProcessName)
		span.SetAttributes(
			attribute.String(tracing.AttrAddress, string(item.event.addr)),
			attribute.String(tracing.AttrApplication, item.event.event.GroupName),
			attribute.String(tracing.AttrProcess, item.event.event.ProcessName),
		)
		proc, err := l.ctx.OnProcessEvent(item.event.addr, item.event.event)
		if err != nil {
			log.Debug(log.CatContext, "process event dropped", "address", item.event.addr, "error", err.Error())
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}
		span.End()
		if proc == nil {
			return
		}
		for _, listener := range l.listeners {
			listener.OnEvent(proc)
		}
	case item.timer:
		_, span := l.tracer.Start(context.Background(), tracing.SpanPrefixTimer)
		l.ctx.OnTimer()
		for _, addr := range l.ctx.HandleIsolation() {
			log.Info(log.CatFencing, "address isolated", "address", addr)
		}
		span.End()
	case item.synchro:
		l.ctx.EndSynchro()
	case item.action != nil:
		item.action.fn()
		close(item.action.done)
	}
}
