package tracing

// Span attribute keys used across the loop and commander instrumentation.
const (
	AttrAddress     = "cluster.address"
	AttrApplication = "cluster.application"
	AttrProcess     = "cluster.process"
	AttrState       = "cluster.state"
	AttrVerb        = "cluster.verb"
	AttrRank        = "cluster.rank"
)

// Span name prefixes, one per loop item kind and one for commander dispatch.
const (
	SpanPrefixTick     = "loop.tick."
	SpanPrefixEvent    = "loop.process_event."
	SpanPrefixTimer    = "loop.timer"
	SpanPrefixDispatch = "commander.dispatch."
)
