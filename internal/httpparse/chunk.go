package httpparse

import (
	"bytes"
	"fmt"
	"strconv"
)

type chunkState int

const (
	waitingForSize chunkState = iota
	waitingForData
	waitingForDataEnd
	waitingForTrailer
	chunksComplete
)

// chunkParser decodes a chunked transfer-coded body incrementally.
type chunkParser struct {
	state chunkState
	body  []byte
	size  int
	left  int
	// chunks counts data chunks decoded so far.
	chunks  int
	decoded int
	discard bool
}

// parse consumes raw and returns whatever follows the terminating chunk,
// or nil while the body is incomplete. Incomplete lines are kept in pending
// by the caller, which hands them back prefixed to the next call.
func (c *chunkParser) parse(raw []byte) (rest, pending []byte, err error) {
	for len(raw) > 0 {
		switch c.state {
		case waitingForSize:
			line, tail, ok := splitLine(raw)
			if !ok {
				return nil, raw, nil
			}
			if i := bytes.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			n, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 32)
			if err != nil || n < 0 {
				return nil, nil, fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
			}
			raw = tail
			c.size, c.left = int(n), int(n)
			if n == 0 {
				c.state = waitingForTrailer
			} else {
				c.state = waitingForData
			}

		case waitingForData:
			n := min(c.left, len(raw))
			if !c.discard {
				c.body = append(c.body, raw[:n]...)
			}
			c.decoded += n
			c.left -= n
			raw = raw[n:]
			if c.left == 0 {
				c.chunks++
				c.state = waitingForDataEnd
			}

		case waitingForDataEnd:
			line, tail, ok := splitLine(raw)
			if !ok {
				return nil, raw, nil
			}
			if len(line) != 0 {
				return nil, nil, fmt.Errorf("%w: chunk of %d bytes not followed by CRLF", ErrMalformed, c.size)
			}
			raw = tail
			c.state = waitingForSize

		case waitingForTrailer:
			line, tail, ok := splitLine(raw)
			if !ok {
				return nil, raw, nil
			}
			raw = tail
			if len(line) == 0 {
				c.state = chunksComplete
			}

		case chunksComplete:
			return raw, nil, nil
		}
	}
	return nil, nil, nil
}

func (c *chunkParser) complete() bool {
	return c.state == chunksComplete
}

// ToChunks encodes body as a chunked transfer-coded stream of at most
// chunkSize bytes per chunk, including the terminating zero chunk.
func ToChunks(body []byte, chunkSize int) []byte {
	if chunkSize <= 0 {
		chunkSize = len(body)
	}
	var b bytes.Buffer
	for len(body) > 0 {
		n := min(chunkSize, len(body))
		b.WriteString(strconv.FormatInt(int64(n), 16))
		b.WriteString(crlf)
		b.Write(body[:n])
		b.WriteString(crlf)
		body = body[n:]
	}
	b.WriteString("0" + crlf + crlf)
	return b.Bytes()
}
