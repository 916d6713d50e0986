// Package dispatch sends messages over registered connections: single
// requests with correlated responses, fire-and-forget notifications and
// broadcasts to every active connection.
//
// Every attempt is bounded by the connection timeout, paced by the optional
// per-connection limiter and reported to the metrics collector. Timeout and
// routing failures are retried with exponential backoff; anything else ends
// the call on the first attempt.
package dispatch
