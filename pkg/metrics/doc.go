/*
Package metrics provides Prometheus metrics collection and exposition, plus
liveness/readiness/health HTTP handlers, for a partitiond node.

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Prometheus Registry (MustRegister at package init)       │
	│                     │                                      │
	│  Metric categories:                                       │
	│    Partition  - leader/epoch/LSN/lag per partition (§4.6) │
	│    Metadata   - metadata store raft leadership (C4)       │
	│    Invocation - lifecycle counts, invoker dispatch        │
	│    Timer      - FireTimer proposals (C7)                  │
	│    Outbox     - queue depth, delivered count               │
	│    Storage    - flush counts, open-CF latency (C1/C2)     │
	└────────────────────────────────────────────────────────────┘

Collector polls a set of partition.Processor instances and a
metadatastore.Store on a ticker and republishes partition.Status into the
gauges above; it does not subscribe, leaving each processor's own
Subscribe() channel free for other observers.

HealthChecker tracks named component health ("storage", "metadatastore",
"partitions" are the critical set consulted by readiness) independently of
the Prometheus registry, exposed as /health, /ready, /live JSON endpoints.
*/
package metrics
