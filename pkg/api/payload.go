package api

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a workflow, activity or signal value.
// A nil value encodes to nil.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes data into out. Empty data leaves out untouched.
func DecodePayload(data []byte, out any) error {
	if len(data) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
