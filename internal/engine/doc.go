// Package engine runs connection work without a goroutine per connection.
//
// An Engine owns a set of Work units and drives them from a single
// goroutine: each tick it collects the descriptors every unit is interested
// in, waits once in poll(2), and hands the ready descriptors back to their
// units. New units arrive through Add from any goroutine and are picked up
// at the start of the next tick.
package engine
