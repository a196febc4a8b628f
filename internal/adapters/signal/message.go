package signal

import "encoding/json"

// message is the protoo envelope. Exactly one of Request, Response or
// Notification is set.
type message struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type response struct {
	ok     bool
	data   json.RawMessage
	code   int
	reason string
	err    error
}

const (
	codeNotImplemented = 501
	subprotocol        = "protoo"
)
