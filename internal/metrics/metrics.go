package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	MessagesReceived  atomic.Int64
	MessagesProcessed atomic.Int64
	MessagesRejected  atomic.Int64
	MessagesFailed    atomic.Int64

	ShardQueueDrops atomic.Int64

	BufferAdds    atomic.Int64
	BufferDrops   atomic.Int64
	BufferFlushes atomic.Int64

	RetryAdds  atomic.Int64
	RetryDrops atomic.Int64

	BatchWriteSuccess atomic.Int64
	BatchWriteFailure atomic.Int64

	AnomalyEvents    atomic.Int64
	EventWriteErrors atomic.Int64

	TransformOutOfBounds atomic.Int64
	Reconnects           atomic.Int64
)

// BufferOccupancy is set by the flusher so the exposition handler does not
// need a reference to the buffer itself.
var BufferOccupancy atomic.Int64

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "ingest_messages_received_total %d\n", MessagesReceived.Load())
	fmt.Fprintf(w, "ingest_messages_processed_total %d\n", MessagesProcessed.Load())
	fmt.Fprintf(w, "ingest_messages_rejected_total %d\n", MessagesRejected.Load())
	fmt.Fprintf(w, "ingest_messages_failed_total %d\n", MessagesFailed.Load())
	fmt.Fprintf(w, "ingest_shard_queue_drops_total %d\n", ShardQueueDrops.Load())
	fmt.Fprintf(w, "ingest_buffer_adds_total %d\n", BufferAdds.Load())
	fmt.Fprintf(w, "ingest_buffer_drops_total %d\n", BufferDrops.Load())
	fmt.Fprintf(w, "ingest_buffer_flushes_total %d\n", BufferFlushes.Load())
	fmt.Fprintf(w, "ingest_buffer_occupancy %d\n", BufferOccupancy.Load())
	fmt.Fprintf(w, "ingest_retry_adds_total %d\n", RetryAdds.Load())
	fmt.Fprintf(w, "ingest_retry_drops_total %d\n", RetryDrops.Load())
	fmt.Fprintf(w, "ingest_batch_write_success_total %d\n", BatchWriteSuccess.Load())
	fmt.Fprintf(w, "ingest_batch_write_failure_total %d\n", BatchWriteFailure.Load())
	fmt.Fprintf(w, "ingest_anomaly_events_total %d\n", AnomalyEvents.Load())
	fmt.Fprintf(w, "ingest_event_write_errors_total %d\n", EventWriteErrors.Load())
	fmt.Fprintf(w, "ingest_transform_out_of_bounds_total %d\n", TransformOutOfBounds.Load())
	fmt.Fprintf(w, "ingest_reconnects_total %d\n", Reconnects.Load())
}
