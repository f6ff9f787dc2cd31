package queue

import (
	"encoding/json"

	"github.com/DoNewsCode/core/contract"
)

var _ contract.Codec = jsonCodec{}

// jsonCodec keeps payloads and records readable for operators inspecting
// the ledger.
type jsonCodec struct{}

// Marshal serializes the message to bytes
func (p jsonCodec) Marshal(message interface{}) ([]byte, error) {
	switch v := message.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(message)
}

// Unmarshal reverses the bytes to message
func (p jsonCodec) Unmarshal(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}
