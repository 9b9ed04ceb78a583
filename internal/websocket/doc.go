// Package websocket encodes and decodes RFC 6455 frames for connections the
// proxy has upgraded itself. Frames are parsed from whatever bytes a read
// delivered; a partial frame is reported as such so callers can wait for
// the rest.
package websocket
