// Package pipeline implements the per-request classification graph.
//
// A request is classified by the intent node, routed through a static table to a set
// of subagents that run in parallel, aggregated, and answered with streamed tokens.
// Every node runs under the executor policy of its name; FAIL_OPEN failures become
// error contexts on the node's channel while FAIL_CLOSED failures end the request with
// a done/failed frame carrying a reason code.
//
// State is passed by value. Nodes return sparse updates that are merged with Reduce, a
// priority-preemptive reducer keyed on the metadata of each ContextValue.
package pipeline
