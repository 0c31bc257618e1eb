/*
Package runtime drives engine containers through containerd.

Containers run with host networking so each engine binds its assigned
host port directly; the named engine bridge is ensured before each
start and recorded as a container label. GPU access is granted by
passing host devices and the NVIDIA visibility env var. Task output is captured to per-container
log files, which back the admin log-tail endpoint. The Driver interface
is what the lifecycle manager consumes; tests substitute a fake.
*/
package runtime
