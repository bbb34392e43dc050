// Package uds carries newline-delimited JSON messages between tripwired and
// its local clients over a Unix domain socket.
package uds

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

var msgCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the envelope for every line on the socket.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ErrNoData is returned by UnmarshalData for a message without a payload.
var ErrNoData = errors.New("message has no data")

// UnmarshalData decodes the payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Method, err)
	}
	return nil
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// NewRequest creates a request with a fresh ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", msgCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse answers the request with ID reqID.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Data: raw}, nil
}

// NewErrorResponse answers the request with ID reqID with a failure.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", msgCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// Methods served by tripwired.
const (
	MethodPing      = "Ping"
	MethodStats     = "Stats"
	MethodBlacklist = "Blacklist"

	// EventIncidentReported carries a core.ReportResult after every report.
	EventIncidentReported = "incident.reported"
	// EventStatsUpdated carries agent statistics when a counter changes.
	EventStatsUpdated = "stats.updated"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Running bool   `json:"running"`
}
