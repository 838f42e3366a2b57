package signal

import (
	"bytes"
	"encoding/json"

	"livebid/internal/core/events"
)

// Envelope is one JSON text frame on the control channel.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Ack       uint64          `json:"ack,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AckEvent names the frame the server sends back for direct emits.
const AckEvent = "ack"

var directEvents = map[string]bool{
	events.GetExistingProducers: true,
	events.ResumeConsumer:       true,
	events.SetPreferredLayers:   true,
}

// IsDirect reports whether event bypasses requestId correlation.
func IsDirect(event string) bool {
	return directEvents[event]
}

// subjectKeys are tried in order to find the entity a broadcast is about.
var subjectKeys = []string{"bidId", "producerId", "consumerId", "sessionId", "id"}

// encodePayload marshals payload and, for JSON objects, adds requestId to it.
func encodePayload(payload any, requestID string) (json.RawMessage, error) {
	if payload == nil {
		if requestID == "" {
			return nil, nil
		}
		return json.Marshal(map[string]string{"requestId": requestID})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if requestID == "" || !isObject(raw) {
		return raw, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	id, _ := json.Marshal(requestID)
	obj["requestId"] = id
	return json.Marshal(obj)
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// subjectID returns the first identifying field of an object payload.
func subjectID(data json.RawMessage) string {
	fields := objectFields(data)
	if fields == nil {
		return ""
	}
	for _, key := range subjectKeys {
		if v, ok := fields[key]; ok {
			if s := scalar(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// requestIDOf looks for a requestId echoed inside the payload.
func requestIDOf(data json.RawMessage) string {
	fields := objectFields(data)
	if fields == nil {
		return ""
	}
	return scalar(fields["requestId"])
}

func objectFields(data json.RawMessage) map[string]json.RawMessage {
	if !isObject(data) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	return fields
}

func scalar(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}
