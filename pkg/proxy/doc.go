/*
Package proxy forwards OpenAI-compatible inference requests to engines.

# Buffered Requests

Unary requests are fully buffered. A network error or upstream 5xx feeds
the breaker and earns exactly one retry, after a short pause, against a
freshly chosen upstream (which may be the same one). 4xx responses pass
through untouched; the client's mistake is not the upstream's fault.

# Streaming

Streamed requests relay the upstream's SSE bytes as they arrive. Each
chunk is written and flushed before the next read, so a slow client
back-pressures the upstream instead of ballooning gateway memory. After
the first byte reaches the client there is no retry: a mid-stream
failure emits a terminal SSE error event and closes the response.
Concurrent streams are bounded by a weighted semaphore acquired before
the upstream connection opens.

# Chat Template Fallback

Quantized engines refuse chat requests for weights shipped without a
chat template. The proxy rewrites such a request as a plain completion
(turns joined as "role: content" lines, the assistant cued to continue)
and wraps the answer back into the chat envelope the client asked for.

# Accounting

Every proxied request yields a usage row: engine-reported token counts
when the response carries a usage block, a word-count estimate
otherwise. Rows are persisted by a background recorder; accounting never
blocks or fails a request.
*/
package proxy
