/*
Package balancer selects an upstream for each request.

Selection prefers the healthy partition of the pool and round-robins
within it with a per-name cursor. When no member is healthy the full
pool is used anyway: a degraded attempt beats a refusal, since verdicts
can be stale by up to one TTL. An empty pool is NO_UPSTREAM; a task
mismatch between endpoint and pool is TASK_MISMATCH.
*/
package balancer
