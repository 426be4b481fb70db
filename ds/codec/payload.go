package codec

import "encoding/json"

// PayloadKind tags the stored representation of a payload.
type PayloadKind int

const (
	// PayloadAbsent means no data was stored: the tombstone marker.
	PayloadAbsent PayloadKind = iota

	// PayloadEmbedded means the data field holds the payload directly
	// as a JSON value.
	PayloadEmbedded

	// PayloadRaw means the data field holds encoder bytes wrapped in an
	// array-of-byte-values structure.
	PayloadRaw
)

// EncodedPayload is the tagged union of stored payload representations.
// Exactly the arm named by Kind is meaningful.
type EncodedPayload struct {
	Kind     PayloadKind
	Embedded json.RawMessage
	Raw      []byte
}

// Sniff inspects stored document data and classifies its representation.
//
// Two wrapper shapes mark raw bytes: the convenience embedding
// {"data":[...]} and the legacy client serialization
// {"type":"Buffer","data":[...]}. Everything else is an embedded value.
func Sniff(data json.RawMessage) EncodedPayload {
	if len(data) == 0 {
		return EncodedPayload{Kind: PayloadAbsent}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return EncodedPayload{Kind: PayloadEmbedded, Embedded: data}
	}
	if fields == nil {
		// literal JSON null; some backends return it for absent data
		return EncodedPayload{Kind: PayloadAbsent}
	}

	rawData, hasData := fields["data"]
	if !hasData {
		return EncodedPayload{Kind: PayloadEmbedded, Embedded: data}
	}

	switch len(fields) {
	case 1:
		// {"data":[...]}
	case 2:
		// {"type":"Buffer","data":[...]}
		var typ string
		if err := json.Unmarshal(fields["type"], &typ); err != nil || typ != "Buffer" {
			return EncodedPayload{Kind: PayloadEmbedded, Embedded: data}
		}
	default:
		return EncodedPayload{Kind: PayloadEmbedded, Embedded: data}
	}

	var vals []int
	if err := json.Unmarshal(rawData, &vals); err != nil {
		return EncodedPayload{Kind: PayloadEmbedded, Embedded: data}
	}
	b := make([]byte, len(vals))
	for i, v := range vals {
		b[i] = byte(v)
	}
	return EncodedPayload{Kind: PayloadRaw, Raw: b}
}

// wrapRawBytes renders encoder bytes as the {"data":[...]} wrapper.
func wrapRawBytes(b []byte) (json.RawMessage, error) {
	vals := make([]int, len(b))
	for i, v := range b {
		vals[i] = int(v)
	}
	return json.Marshal(struct {
		Data []int `json:"data"`
	}{Data: vals})
}
