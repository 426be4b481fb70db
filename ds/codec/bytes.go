package codec

import "fmt"

// BytesEncoder passes pre-encoded byte slices through unchanged. It has no
// JSON embedding capability, so its payloads are stored via the
// array-of-byte-values wrapper.
//
// Use it when messages arrive already serialized by an upstream system and
// the document store only needs to carry them.
type BytesEncoder struct{}

// Encode implements Encoder.
func (BytesEncoder) Encode(msg interface{}) ([]byte, error) {
	b, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes encoder requires []byte, got %T", msg)
	}
	return b, nil
}

// Decode implements Encoder.
func (BytesEncoder) Decode(data []byte, _ string) (interface{}, error) {
	return data, nil
}
