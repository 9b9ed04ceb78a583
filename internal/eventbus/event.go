package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Name enumerates the events published by workers.
type Name int

const (
	WorkStarted             Name = 6
	WorkFinished            Name = 7
	RequestComplete         Name = 8
	ResponseHeadersComplete Name = 9
	ResponseChunkReceived   Name = 10
	ResponseComplete        Name = 11
)

var names = map[Name]string{
	WorkStarted:             "WORK_STARTED",
	WorkFinished:            "WORK_FINISHED",
	RequestComplete:         "REQUEST_COMPLETE",
	ResponseHeadersComplete: "RESPONSE_HEADERS_COMPLETE",
	ResponseChunkReceived:   "RESPONSE_CHUNK_RECEIVED",
	ResponseComplete:        "RESPONSE_COMPLETE",
}

func (n Name) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "EVENT_" + strconv.Itoa(int(n))
}

func (n Name) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

func (n *Name) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("event name: %w", err)
	}
	for k, v := range names {
		if v == s {
			*n = k
			return nil
		}
	}
	return fmt.Errorf("event name: unknown %q", s)
}

// Event is a plain record. Subscribers receive their own copy of Payload.
type Event struct {
	RequestID   string         `json:"request_id"`
	Name        Name           `json:"event_name"`
	Payload     map[string]any `json:"event_payload,omitempty"`
	Timestamp   time.Time      `json:"event_timestamp"`
	PublisherID string         `json:"publisher_id,omitempty"`
	ProcessID   int            `json:"process_id"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// PayloadInt reads an integer payload field. Values that crossed a process
// boundary arrive as float64.
func PayloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// PayloadString reads a string payload field.
func PayloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
