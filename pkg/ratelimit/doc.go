/*
Package ratelimit enforces per-identity request budgets and the global
streaming concurrency cap.

Request admission counts against Redis so multiple gateway processes
share one budget. Two algorithms are available: a per-second token
bucket (INCR + EXPIRE) and a sliding window summed over per-second
keys. Per-identity overrides replace the deployment defaults entirely.
A broken cache fails open: inference keeps working without admission
control.

Streaming concurrency is process-local: a weighted semaphore bounds the
number of simultaneously open streams.
*/
package ratelimit
