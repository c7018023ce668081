package errorqueue

import "encoding/json"

func decodePayload(raw []byte) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func encodePayload(m map[string]json.RawMessage) []byte {
	buf, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return buf
}
