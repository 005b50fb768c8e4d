package protocol

import "encoding/json"

// encodeServerFrame builds an inbound frame the way the server does: the
// payload struct plus the type discriminator. Fields stay raw JSON so uint64
// values like checksums survive with full precision.
func encodeServerFrame(kind string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	kindRaw, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	m["type"] = kindRaw
	return json.Marshal(m)
}
