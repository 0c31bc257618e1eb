package proxy

import (
	"sync"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

// Recorder persists usage rows off the request path. Rows are handed to a
// buffered channel and written by a single goroutine; a full buffer or a
// write failure drops the row with a log line, never a client error.
type Recorder struct {
	store storage.Store
	rows  chan types.UsageRow
	wg    sync.WaitGroup
}

// NewRecorder starts the writer goroutine.
func NewRecorder(store storage.Store, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		rows:  make(chan types.UsageRow, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one row without blocking the request.
func (r *Recorder) Record(row types.UsageRow) {
	select {
	case r.rows <- row:
	default:
		log.WithComponent("usage").Warn().
			Str("request_id", row.RequestID).
			Msg("usage buffer full, dropping row")
	}
}

// Close drains pending rows and stops the writer.
func (r *Recorder) Close() {
	close(r.rows)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for row := range r.rows {
		row := row
		if err := r.store.AppendUsage(&row); err != nil {
			log.WithComponent("usage").Error().Err(err).
				Str("request_id", row.RequestID).
				Msg("failed to persist usage row")
		}
	}
}
