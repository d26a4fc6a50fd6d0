package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/petrijr/durable/pkg/api"
)

// EncodeEvent serializes a history event for storage. HTML escaping is
// disabled so payload bytes are stored exactly as recorded.
func EncodeEvent(ev api.HistoryEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func encodeEvents(events []api.HistoryEvent) ([][]byte, error) {
	out := make([][]byte, len(events))
	for i, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}
