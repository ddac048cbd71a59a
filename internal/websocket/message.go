package websocket

import "encoding/json"

// Message defines the structure for websocket messages.
type Message struct {
	Action  string      `json:"action"`
	Payload interface{} `json:"payload"`
}

// NewEventMessage encodes a lifecycle event for broadcast. Encoding errors
// cannot occur for our payload types.
func NewEventMessage(payload interface{}) []byte {
	b, _ := json.Marshal(Message{Action: "event", Payload: payload})
	return b
}

// NewErrorMessage encodes an error notice for a single client.
func NewErrorMessage(msg string) []byte {
	b, _ := json.Marshal(Message{Action: "error", Payload: msg})
	return b
}
