// Package registry owns the live connection map of one transport.
//
// Capacity is reserved before an adapter is asked to connect, so concurrent
// connects can never overshoot the global or per-agent limits. A background
// sweep started with Run reclaims connections that went idle or whose
// handle died.
package registry
