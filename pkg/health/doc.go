/*
Package health probes engine upstreams and gates routing on the results.

One record exists per registered upstream url. A single scheduler
goroutine decides when probes are due; the probes themselves run on a
bounded worker pool so one slow engine cannot starve the rest.

# Verdicts

A successful probe (HTTP 2xx/3xx on the engine's probe path) produces an
OK verdict with a TTL. The balancer consults Healthy(url), which requires
both a fresh verdict and a closed breaker. Models still loading weights
are probed on a shorter interval so readiness is noticed quickly.

# Circuit Breaker

Each record owns a breaker with two explicit states:

	closed ──N consecutive failures──▶ open(until = now + cooldown)
	open   ──cooldown elapsed─────────▶ closed (failure streak retained)
	any    ──one success──────────────▶ closed (streak reset)

Failures come from two sources: probe failures and proxied-request
failures reported by the proxy. Because the streak survives the cooldown,
a failing post-cooldown trial re-opens the breaker immediately; there is
no separate half-open state to manage.

The breaker is not self-locking; the owning record's mutex guards it
along with the history and verdict.
*/
package health
