package httpparse

import (
	"bytes"
	"net/http"
	"strconv"
)

// BuildHeader renders one header line without the trailing CRLF.
func BuildHeader(key, value string) []byte {
	return []byte(key + ": " + value)
}

// BuildRequest renders a request. body is written as given.
func BuildRequest(method, target, version string, headers []Header, body []byte) []byte {
	if version == "" {
		version = HTTP11
	}
	return buildMessage(method+" "+target+" "+version, headers, body)
}

// BuildResponse renders an HTTP/1.1 response. An empty reason is filled in
// from the status code, and a body without explicit framing gets a
// Content-Length header.
func BuildResponse(code int, reason string, headers []Header, body []byte) []byte {
	if reason == "" {
		reason = http.StatusText(code)
	}
	if len(body) > 0 && !hasHeader(headers, "content-length") && !hasHeader(headers, "transfer-encoding") {
		headers = append(headers[:len(headers):len(headers)], Header{Key: "Content-Length", Value: strconv.Itoa(len(body))})
	}
	return buildMessage(HTTP11+" "+strconv.Itoa(code)+" "+reason, headers, body)
}

func buildMessage(line string, headers []Header, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(line)
	b.WriteString(crlf)
	for _, h := range headers {
		b.Write(BuildHeader(h.Key, h.Value))
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	b.Write(body)
	return b.Bytes()
}

func hasHeader(headers []Header, key string) bool {
	for _, h := range headers {
		if containsFold([]string{key}, h.Key) {
			return true
		}
	}
	return false
}
