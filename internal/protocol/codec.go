package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serialises a protocol message into a text frame.
func Encode(msg *ProtocolMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action, err)
	}
	return data, nil
}

// Decode parses a text frame into a protocol message.
func Decode(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode protocol message: %w", err)
	}
	return &msg, nil
}

// DecodeErrorBody extracts the ErrorInfo from a REST or handshake error body
// of the form {"error":{...}}. It returns nil when the body carries none.
func DecodeErrorBody(body []byte) *ErrorInfo {
	var envelope struct {
		Error *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return envelope.Error
}
