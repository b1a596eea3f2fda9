package rpc

import "encoding/json"

// Message types
const (
	MsgCall   = "CALL"
	MsgResult = "RESULT"
	MsgError  = "ERROR"
)

// Message is the envelope for every frame on a connection. A call names the
// local id it targets and the method to run; the reply reuses the call's ID.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Target    int             `json:"target"`
	Method    string          `json:"method,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}
