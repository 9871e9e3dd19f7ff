package bridge

import "encoding/json"

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// errorPayload is the generic scoped error event.
type errorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Scope     string `json:"scope,omitempty"`
}
