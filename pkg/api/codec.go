package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalPayload encodes v for storage in history. Raw JSON is compacted
// so stored payloads compare byte for byte, and nil becomes an empty payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, p); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return buf.Bytes(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// UnmarshalPayload decodes a stored payload into out. An empty payload
// leaves out untouched, as does a nil out.
func UnmarshalPayload(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
