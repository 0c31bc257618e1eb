/*
Package gateway is the HTTP surface of the control plane.

Two route groups share one port: the OpenAI-compatible client plane
under /v1 (auth, scope check, rate limit, then proxy) and the operator
plane under /admin (model declarations and actions, routing and health
inspection, identities and credentials, usage). /healthz and /metrics
stay reachable while draining.

Shutdown is ordered: new requests are refused with DRAINING, in-flight
requests get the drain budget to finish, then every model container is
stopped in parallel, the poller stops, and the stores close.
*/
package gateway
