package wire

import "encoding/json"

// jsonMarshal is the plain-JSON path used for structures that already
// carry their big integers as decimal strings (checkpoint envelopes);
// the default data-frame builder in frame.go uses gjson/sjson directly to splice
// embedded JSON literally instead of double-encoding it.
func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
