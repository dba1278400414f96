package protocol

import (
	"encoding/json"
	"fmt"
)

// Result is the JSON-encoded return value of a remote call.
type Result json.RawMessage

// EncodeResult marshals a function's return value. A nil value encodes as null.
func EncodeResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return Result(data), nil
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if len(r) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	if err := json.Unmarshal(r, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// IsNull reports whether the call returned no value.
func (r Result) IsNull() bool {
	return len(r) == 0 || string(r) == "null"
}

// String returns the raw JSON text.
func (r Result) String() string {
	if len(r) == 0 {
		return "null"
	}
	return string(r)
}
