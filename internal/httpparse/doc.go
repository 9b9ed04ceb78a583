// Package httpparse is an incremental HTTP/1.x message parser for
// non-blocking connections. A Parser is fed whatever bytes a read produced
// and reports when a full message has arrived, leaving any pipelined
// remainder in its buffer. It also rebuilds messages for forwarding.
package httpparse
