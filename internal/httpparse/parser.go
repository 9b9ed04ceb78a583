package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	crlf = "\r\n"

	HTTP10 = "HTTP/1.0"
	HTTP11 = "HTTP/1.1"
)

// ErrMalformed wraps every parse failure.
var ErrMalformed = errors.New("malformed http message")

// Kind selects whether a Parser reads requests or responses.
type Kind int

const (
	Request Kind = iota
	Response
)

// State is the progress of a Parser through one message.
type State int

const (
	Initialized State = iota
	LineReceived
	ReceivingHeaders
	HeadersComplete
	ReceivingBody
	Complete
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case LineReceived:
		return "line-received"
	case ReceivingHeaders:
		return "receiving-headers"
	case HeadersComplete:
		return "headers-complete"
	case ReceivingBody:
		return "receiving-body"
	case Complete:
		return "complete"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// Header is one header line as received.
type Header struct {
	Key   string
	Value string
}

// Parser incrementally parses a single HTTP/1.x request or response. Bytes
// arriving after the message is complete are kept in Buffer so the next
// pipelined message can be parsed from them.
type Parser struct {
	kind  Kind
	state State

	Method  string
	Target  string
	URL     *URL
	Version string
	Code    int
	Reason  string

	// Host and Port are the upstream named by a request, with IPv6
	// brackets removed. Host is empty for origin-form requests.
	Host string
	Port int

	Body []byte

	discard  bool
	bodySize int

	headers map[string]Header
	order   []string

	buffer    []byte
	total     int
	mode      bodyMode
	remaining int
	chunks    *chunkParser
	reqMethod string
}

func NewRequestParser() *Parser {
	return &Parser{kind: Request, headers: map[string]Header{}}
}

// NewResponseParser returns a response parser. method is the request the
// response answers: responses to HEAD, and successful replies to CONNECT,
// never carry a body.
func NewResponseParser(method string) *Parser {
	return &Parser{kind: Response, headers: map[string]Header{}, reqMethod: strings.ToUpper(method)}
}

func (p *Parser) Kind() Kind { return p.kind }
func (p *Parser) State() State { return p.state }
func (p *Parser) IsComplete() bool { return p.state == Complete }

// Buffer returns bytes received but not yet consumed.
func (p *Parser) Buffer() []byte { return p.buffer }

// TotalSize is the number of bytes passed to Parse so far.
func (p *Parser) TotalSize() int { return p.total }

// DiscardBody stops the parser from keeping body bytes in Body. Framing
// is still tracked and BodySize still counts them.
func (p *Parser) DiscardBody() { p.discard = true }

// BodySize is the number of decoded body bytes seen so far.
func (p *Parser) BodySize() int { return p.bodySize }

// Chunks is the number of data chunks decoded from a chunked body.
func (p *Parser) Chunks() int {
	if p.chunks == nil {
		return 0
	}
	return p.chunks.chunks
}

// Parse consumes raw. It may be called with arbitrary fragments; state only
// advances once a full line or the announced body bytes have arrived.
func (p *Parser) Parse(raw []byte) error {
	p.total += len(raw)
	if len(p.buffer) > 0 {
		raw = append(p.buffer, raw...)
	}
	p.buffer = nil

	for len(raw) > 0 && p.state != Complete {
		if p.state == HeadersComplete || p.state == ReceivingBody {
			rest, err := p.parseBody(raw)
			if err != nil {
				return err
			}
			raw = rest
			continue
		}

		line, tail, ok := splitLine(raw)
		if !ok {
			break
		}
		raw = tail

		var err error
		if p.state == Initialized {
			err = p.parseLine(line)
		} else {
			err = p.parseHeader(line)
		}
		if err != nil {
			return err
		}
	}

	if len(raw) > 0 {
		p.buffer = append([]byte(nil), raw...)
	}
	return nil
}

// Finish marks a response whose body runs until the connection closes as
// complete. It reports whether the parser is now complete.
func (p *Parser) Finish() bool {
	if p.mode == bodyUntilClose && p.state == ReceivingBody {
		p.state = Complete
	}
	return p.state == Complete
}

func (p *Parser) parseLine(line []byte) error {
	// Stray CRLFs ahead of a message are ignored.
	if len(line) == 0 {
		return nil
	}

	parts := strings.SplitN(string(line), " ", 3)
	if p.kind == Request {
		if len(parts) != 3 {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		if !httpguts.ValidHeaderFieldName(parts[0]) {
			return fmt.Errorf("%w: method %q", ErrMalformed, parts[0])
		}
		p.Method = strings.ToUpper(parts[0])
		p.Target = parts[1]
		p.Version = parts[2]
		if err := p.setHostPort(); err != nil {
			return err
		}
	} else {
		if len(parts) < 2 {
			return fmt.Errorf("%w: status line %q", ErrMalformed, line)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
		}
		p.Version = parts[0]
		p.Code = code
		if len(parts) == 3 {
			p.Reason = parts[2]
		}
	}
	if !strings.HasPrefix(p.Version, "HTTP/") {
		return fmt.Errorf("%w: version %q", ErrMalformed, p.Version)
	}
	p.state = LineReceived
	return nil
}

func (p *Parser) setHostPort() error {
	u, err := ParseURL(p.Target)
	if err != nil {
		return err
	}
	p.URL = u
	if u.Host == "" {
		return nil
	}
	p.Host, p.Port = u.Hostname(), u.Port
	if p.Port == 0 {
		switch {
		case p.Method == "CONNECT", u.Scheme == "https":
			p.Port = 443
		default:
			p.Port = 80
		}
	}
	return nil
}

func (p *Parser) parseHeader(line []byte) error {
	if len(line) == 0 {
		p.state = HeadersComplete
		return p.startBody()
	}

	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("%w: header line %q", ErrMalformed, line)
	}
	key := string(bytes.TrimSpace(line[:i]))
	value := string(bytes.TrimSpace(line[i+1:]))
	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: header %q", ErrMalformed, key)
	}
	p.AddHeader(key, value)
	p.state = ReceivingHeaders
	return nil
}

// startBody decides how the body, if any, is framed once headers are done.
func (p *Parser) startBody() error {
	switch {
	case p.kind == Response && !p.responseHasBody():
		p.mode = bodyNone
	case p.IsChunked():
		p.mode = bodyChunked
		p.chunks = &chunkParser{discard: p.discard}
	case p.HasHeader("content-length"):
		v, _ := p.Header("content-length")
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: content-length %q", ErrMalformed, v)
		}
		p.mode, p.remaining = bodyLength, n
		if n == 0 {
			p.mode = bodyNone
		}
	case p.kind == Response && len(p.order) > 0:
		p.mode = bodyUntilClose
	default:
		// Requests without framing, and bare status lines such as a
		// CONNECT reply, carry no body.
		p.mode = bodyNone
	}

	if p.mode == bodyNone {
		p.state = Complete
		return nil
	}
	p.Body = []byte{}
	p.state = ReceivingBody
	return nil
}

func (p *Parser) responseHasBody() bool {
	switch {
	case p.reqMethod == "HEAD":
		return false
	case p.reqMethod == "CONNECT" && p.Code/100 == 2:
		return false
	default:
		return p.Code >= 200 && p.Code != 204 && p.Code != 304
	}
}

func (p *Parser) parseBody(raw []byte) ([]byte, error) {
	switch p.mode {
	case bodyLength:
		n := min(p.remaining, len(raw))
		p.appendBody(raw[:n])
		p.remaining -= n
		if p.remaining == 0 {
			p.state = Complete
		}
		return raw[n:], nil

	case bodyChunked:
		rest, pending, err := p.chunks.parse(raw)
		if err != nil {
			return nil, err
		}
		p.Body = p.chunks.body
		p.bodySize = p.chunks.decoded
		if p.chunks.complete() {
			p.state = Complete
			return rest, nil
		}
		if len(pending) > 0 {
			// Park the partial line; Parse stops once nothing is returned.
			p.buffer = append([]byte(nil), pending...)
		}
		return nil, nil

	default:
		p.appendBody(raw)
		return nil, nil
	}
}

func (p *Parser) appendBody(b []byte) {
	p.bodySize += len(b)
	if !p.discard {
		p.Body = append(p.Body, b...)
	}
}

// Header returns the value of key, matched case-insensitively.
func (p *Parser) Header(key string) (string, bool) {
	h, ok := p.headers[strings.ToLower(key)]
	return h.Value, ok
}

func (p *Parser) HasHeader(key string) bool {
	_, ok := p.headers[strings.ToLower(key)]
	return ok
}

// Headers returns the headers in the order they were first seen.
func (p *Parser) Headers() []Header {
	hs := make([]Header, 0, len(p.order))
	for _, k := range p.order {
		hs = append(hs, p.headers[k])
	}
	return hs
}

// AddHeader sets key, replacing an existing value but keeping its position.
func (p *Parser) AddHeader(key, value string) {
	lk := strings.ToLower(key)
	if _, ok := p.headers[lk]; !ok {
		p.order = append(p.order, lk)
	}
	p.headers[lk] = Header{Key: key, Value: value}
}

func (p *Parser) DelHeaders(keys ...string) {
	for _, key := range keys {
		lk := strings.ToLower(key)
		if _, ok := p.headers[lk]; !ok {
			continue
		}
		delete(p.headers, lk)
		for i, k := range p.order {
			if k == lk {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
}

// HasHost reports whether a request names an upstream server. Origin-form
// requests are meant for the local web server.
func (p *Parser) HasHost() bool {
	return p.Host != ""
}

func (p *Parser) IsHTTPSTunnel() bool {
	return p.kind == Request && p.Method == "CONNECT"
}

func (p *Parser) IsChunked() bool {
	v, ok := p.Header("transfer-encoding")
	return ok && httpguts.HeaderValuesContainsToken([]string{v}, "chunked")
}

// IsKeepAlive reports whether the connection stays open after this
// message: HTTP/1.1 without a Connection header, or one naming keep-alive.
func (p *Parser) IsKeepAlive() bool {
	if p.Version != HTTP11 {
		return false
	}
	v, ok := p.Header("connection")
	return !ok || httpguts.HeaderValuesContainsToken([]string{v}, "keep-alive")
}

func (p *Parser) IsConnectionUpgrade() bool {
	v, ok := p.Header("connection")
	return p.Version == HTTP11 && ok && p.HasHeader("upgrade") &&
		httpguts.HeaderValuesContainsToken([]string{v}, "upgrade")
}

// Build serializes the parsed message, omitting headers named in disable.
// A request is written in origin-form unless forProxy asks for the
// absolute-form an upstream proxy expects. Chunked bodies are re-encoded.
func (p *Parser) Build(disable []string, forProxy bool) []byte {
	hs := make([]Header, 0, len(p.order))
	for _, h := range p.Headers() {
		if !containsFold(disable, h.Key) {
			hs = append(hs, h)
		}
	}

	body := p.Body
	if p.IsChunked() && p.state == Complete {
		body = ToChunks(body, 0)
	}

	if p.kind == Response {
		return buildMessage(p.Version+" "+strconv.Itoa(p.Code)+" "+p.Reason, hs, body)
	}

	target := p.Target
	if p.URL != nil && p.Method != "CONNECT" {
		target = p.URL.RequestURI()
		if forProxy && p.Host != "" {
			u := *p.URL
			if u.Scheme == "" {
				u.Scheme = "http"
			}
			u.Remainder = u.RequestURI()
			target = u.String()
		}
	}
	return buildMessage(p.Method+" "+target+" "+p.Version, hs, body)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func splitLine(raw []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(raw, []byte(crlf))
	if i < 0 {
		return nil, raw, false
	}
	return raw[:i], raw[i+len(crlf):], true
}
