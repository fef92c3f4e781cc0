// Package eventbus implements the sharded, idempotent event bus.
//
// Producers append frames to one of N Redis streams named <domain>:events:<shard>.
// Stage frames pass through a server-side script that checks and sets a
// per-(job, stage, seq) marker so retried producers publish at most once.
// Token frames take a fast path without a marker.
//
// A Router in consumer group "router" relays frames to the per-job pub/sub
// channel sse:events:<job_id>, and a Subscriber combines stream history with
// live fan-out for gateway clients.
package eventbus
