package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// ErrMissingType is returned for a JSON object without a "type" field.
var ErrMissingType = errors.New("message has no type")

// Encode serializes an outgoing request.
func Encode(msg Outgoing) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Decode parses a server message envelope.
func Decode(data []byte) (Incoming, error) {
	var msg Incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		return Incoming{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Incoming{}, ErrMissingType
	}
	return msg, nil
}

// Unmarshal decodes data into v with the protocol's JSON configuration.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Marshal encodes v with the protocol's JSON configuration.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
