// Package conn holds the socket plumbing shared by every worker: the
// buffered, rate-limited Connection, the raw descriptor Socket, the
// listening socket handed to acceptors, and the idle upstream Pool.
package conn
