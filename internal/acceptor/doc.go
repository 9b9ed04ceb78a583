// Package acceptor shares one listening socket between several workers.
//
// A Pool binds the socket, starts its workers (re-executed processes or
// goroutines) and passes each a duplicate of the descriptor over a private
// socketpair. Every Acceptor then serializes accept through a file lock and
// feeds accepted connections to its engines.
package acceptor
