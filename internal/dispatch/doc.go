// Package dispatch drives a framed connection: it pulls decoded frames
// from the shared transport state, feeds them to a user service under
// backpressure, and writes the service's responses back through the codec.
//
// The dispatcher is a per-connection state machine with three states,
// advanced by a single goroutine:
//
//   - Processing: decode one frame per pass when the service is ready and
//     bytes are buffered; deliver it inline when no call is pending, or as
//     a detached goroutine when one is.
//   - Stop: stop decoding, wait for the inflight count to reach zero, then
//     ask the transport to flush and close.
//   - Shutdown: run the service's shutdown hook, then yield the final
//     result. Transitions are one-directional; the machine never returns
//     to Processing.
//
// Backpressure: frames are only decoded while the service reports ready;
// a saturated service pauses the read pump, so the peer's bytes stay in
// the kernel until the service catches up.
//
// Keep-alive: each decoded frame pushes the connection's deadline forward
// in the shared timer wheel. An elapsed deadline is delivered to the
// service as a KindKeepAliveTimeout item and ends the connection.
//
// Error handling: decode, io and keep-alive failures become a final
// dispatch item so the service can react before teardown; encoder and
// service failures are recorded in the shared error slot. Only the first
// recorded error survives and becomes Run's return value.
//
// Concurrency: items reach the service exactly once and in arrival
// order, but responses from detached calls may complete out of order;
// each writes its own result directly. Protocols that need response
// ordering must serialize in the service.
package dispatch
