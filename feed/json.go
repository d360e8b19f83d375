package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope mirrors the notification payload emitted by the backend's
// row-change triggers: an operation tag, the table name, and the row
// images serialized with row_to_json.
type envelope struct {
	Op    string                     `json:"op"`
	Table string                     `json:"table"`
	New   map[string]json.RawMessage `json:"new"`
	Old   map[string]json.RawMessage `json:"old"`
}

// DecodeEnvelope parses one JSON change notification into a Change bound
// to topic. Null columns are dropped; other non-string column values keep
// their literal JSON form.
func DecodeEnvelope(topic Topic, payload []byte) (Change, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Change{}, fmt.Errorf("feed: decode envelope: %w", err)
	}
	op, err := ParseOp(env.Op)
	if err != nil {
		return Change{}, err
	}
	return Change{
		Topic: topic,
		Op:    op,
		New:   stringify(env.New),
		Old:   stringify(env.Old),
	}, nil
}

func stringify(m map[string]json.RawMessage) Fields {
	if m == nil {
		return nil
	}
	out := make(Fields, len(m))
	for k, raw := range m {
		if v, ok := rawString(raw); ok {
			out[k] = v
		}
	}
	return out
}

func rawString(raw json.RawMessage) (string, bool) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", false
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s, true
		}
		return "", false
	}
	return string(b), true
}
