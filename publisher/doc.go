// Package publisher announces commit progress to external systems.
//
// A CommitPublisher is registered as a watermark listener on the pipeline's
// commit store. Every time the committed watermark advances it hands the new
// header to one worker per configured sink. Workers publish asynchronously so
// a slow or unreachable broker never holds up the applier.
//
// # Coalescing
//
// Each worker keeps only the newest header it has not yet published. When the
// applier commits faster than a sink accepts messages, intermediate
// watermarks are skipped; consumers always see an increasing sequence of
// committed seqnos, never a regression.
//
// # Delivery
//
// A failed publish is retried with exponential backoff (RetryInitial doubled
// by RetryMultiplier up to RetryMax). If a newer watermark arrives while a
// retry is pending, the retry publishes the newer one instead. On Stop the
// worker makes one last attempt for anything still pending.
//
// # Wire format
//
// Messages are msgpack-encoded Notification values keyed by service name,
// so kafka routes all notifications of one service to the same partition.
//
// Sinks register themselves by type with RegisterSink; importing
// publisher/sink adds "kafka" and "nats".
package publisher
