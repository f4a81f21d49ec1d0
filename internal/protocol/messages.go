// Package protocol defines the wire messages exchanged between the tunnel
// server and a connected agent over the control channel, and the
// binary-safe encoding used for http_data payloads.
package protocol

import "encoding/json"

// MessageType identifies the shape of a control message.
type MessageType string

const (
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeSubdomainAssigned MessageType = "subdomain_assigned"
	TypeHTTPRequest       MessageType = "http_request"
	TypeHTTPResponseStart MessageType = "http_response_start"
	TypeHTTPData          MessageType = "http_data"
	TypeHTTPResponseEnd   MessageType = "http_response_end"
	TypeError             MessageType = "error"
)

type typeOnly struct {
	Type MessageType `json:"type"`
}

// ParseType inspects a raw control message and returns its type without
// decoding the rest of the payload.
func ParseType(data []byte) (MessageType, error) {
	var t typeOnly
	if err := json.Unmarshal(data, &t); err != nil {
		return "", NewProtocolError("invalid_message", "malformed control message", err)
	}
	if t.Type == "" {
		return "", NewProtocolError("invalid_message", "control message missing type field", nil)
	}
	return t.Type, nil
}

// PingMessage is sent by the agent to check liveness.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type MessageType `json:"type"`
}

func NewPong() PongMessage { return PongMessage{Type: TypePong} }

// SubdomainAssignedMessage is sent once, immediately after a control
// session is registered in the directory.
type SubdomainAssignedMessage struct {
	Type      MessageType `json:"type"`
	Subdomain string      `json:"subdomain"`
	Requested bool        `json:"requested"`
}

func NewSubdomainAssigned(fullDomain string, requested bool) SubdomainAssignedMessage {
	return SubdomainAssignedMessage{Type: TypeSubdomainAssigned, Subdomain: fullDomain, Requested: requested}
}

// HTTPRequestMessage forwards a public request to the agent.
type HTTPRequestMessage struct {
	Type    MessageType       `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponseStartMessage begins the agent's response for ID.
type HTTPResponseStartMessage struct {
	Type       MessageType       `json:"type"`
	ID         string            `json:"id"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
}

// HTTPDataMessage carries one body chunk for ID. Data accepts either a
// binary-safe string or a JSON array of byte values, per spec.
type HTTPDataMessage struct {
	Type MessageType   `json:"type"`
	ID   string        `json:"id"`
	Data BinaryPayload `json:"data"`
}

// HTTPResponseEndMessage terminates the response for ID. Status and
// Headers only apply if no http_response_start was seen for ID.
type HTTPResponseEndMessage struct {
	Type    MessageType       `json:"type"`
	ID      string            `json:"id"`
	Body    BinaryPayload     `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ErrorMessage is observer-only; it never tears down the session.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// BinaryPayload is a byte slice that marshals to the spec's binary-safe
// string encoding (one JSON string code unit per byte, 0-255) and
// unmarshals from either that encoding or a JSON array of byte values,
// per spec.md §9's "accept either" wire-compatibility note.
type BinaryPayload []byte

func (b BinaryPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeBinaryString(b))
}

func (b *BinaryPayload) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = DecodeBinaryString(s)
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// EncodeBinaryString maps each byte to its own code unit, Latin-1 style.
func EncodeBinaryString(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// DecodeBinaryString is the inverse of EncodeBinaryString.
func DecodeBinaryString(s string) []byte {
	runes := []rune(s)
	out := make([]byte, len(runes))
	for i, r := range runes {
		out[i] = byte(r)
	}
	return out
}
