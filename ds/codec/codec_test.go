package codec_test

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/streamhaus/docstream/ds/codec"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func newTestRegistry() *codec.Registry {
	r := codec.NewRegistry()
	r.Register("OrderCreated", func() interface{} { return &orderCreated{} })
	return r
}

func TestCodec_EmbeddedRoundTrip(t *testing.T) {
	c := codec.New(codec.NewJSONEncoder(newTestRegistry()))

	data, err := c.Encode(&orderCreated{OrderID: "o-1", Total: 42})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !json.Valid(data) {
		t.Fatalf("Encode() produced invalid JSON: %s", data)
	}
	// embedded payloads are stored as plain JSON objects, not wrapped
	if bytes.Contains(data, []byte(`"data":[`)) {
		t.Errorf("embedded payload was wrapped: %s", data)
	}

	msg, err := c.Decode(data, "OrderCreated")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := msg.(*orderCreated)
	if !ok {
		t.Fatalf("Decode() returned %T, want *orderCreated", msg)
	}
	if got.OrderID != "o-1" || got.Total != 42 {
		t.Errorf("Decode() = %+v, want {o-1 42}", got)
	}
}

func TestCodec_RawRoundTrip(t *testing.T) {
	c := codec.New(codec.BytesEncoder{})

	payload := []byte{0x01, 0x02, 0xFF, 0x00, 0x7F}
	data, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"data":[1,2,255,0,127]}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}

	msg, err := c.Decode(data, "Blob")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := msg.([]byte)
	if !ok {
		t.Fatalf("Decode() returned %T, want []byte", msg)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Decode() = %v, want %v", got, payload)
	}
}

func TestCodec_LegacyBufferWrapper(t *testing.T) {
	c := codec.New(codec.BytesEncoder{})

	msg, err := c.Decode(json.RawMessage(`{"type":"Buffer","data":[104,105]}`), "Blob")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := msg.([]byte); !bytes.Equal(got, []byte("hi")) {
		t.Errorf("Decode() = %v, want %v", got, []byte("hi"))
	}
}

func TestCodec_TombstonePassthrough(t *testing.T) {
	c := codec.New(codec.NewJSONEncoder(nil))

	data, err := c.Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) error = %v", err)
	}
	if data != nil {
		t.Errorf("Encode(nil) = %s, want nil", data)
	}

	msg, err := c.Decode(nil, "OrderDeleted")
	if err != nil {
		t.Fatalf("Decode(nil) error = %v", err)
	}
	if msg != nil {
		t.Errorf("Decode(nil) = %v, want nil", msg)
	}
}

func TestCodec_UnregisteredTypeDecodesGeneric(t *testing.T) {
	c := codec.New(codec.NewJSONEncoder(newTestRegistry()))

	msg, err := c.Decode(json.RawMessage(`{"x":1}`), "SomethingElse")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := msg.(map[string]interface{})
	if !ok {
		t.Fatalf("Decode() returned %T, want map", msg)
	}
	if !reflect.DeepEqual(got, map[string]interface{}{"x": float64(1)}) {
		t.Errorf("Decode() = %v", got)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKind codec.PayloadKind
		wantRaw  []byte
	}{
		{
			name:     "nil data is absent",
			data:     "",
			wantKind: codec.PayloadAbsent,
		},
		{
			name:     "json null is absent",
			data:     `null`,
			wantKind: codec.PayloadAbsent,
		},
		{
			name:     "data wrapper is raw",
			data:     `{"data":[1,2,3]}`,
			wantKind: codec.PayloadRaw,
			wantRaw:  []byte{1, 2, 3},
		},
		{
			name:     "buffer wrapper is raw",
			data:     `{"type":"Buffer","data":[7]}`,
			wantKind: codec.PayloadRaw,
			wantRaw:  []byte{7},
		},
		{
			name:     "empty byte array is raw",
			data:     `{"data":[]}`,
			wantKind: codec.PayloadRaw,
			wantRaw:  []byte{},
		},
		{
			name:     "object without data key is embedded",
			data:     `{"foo":"bar"}`,
			wantKind: codec.PayloadEmbedded,
		},
		{
			name:     "object with data plus extra keys is embedded",
			data:     `{"data":[1],"foo":"bar"}`,
			wantKind: codec.PayloadEmbedded,
		},
		{
			name:     "two keys without Buffer type is embedded",
			data:     `{"type":"Thing","data":[1]}`,
			wantKind: codec.PayloadEmbedded,
		},
		{
			name:     "non-numeric data array is embedded",
			data:     `{"data":["a","b"]}`,
			wantKind: codec.PayloadEmbedded,
		},
		{
			name:     "json array is embedded",
			data:     `[1,2,3]`,
			wantKind: codec.PayloadEmbedded,
		},
		{
			name:     "json string is embedded",
			data:     `"hello"`,
			wantKind: codec.PayloadEmbedded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data json.RawMessage
			if tt.data != "" {
				data = json.RawMessage(tt.data)
			}
			got := codec.Sniff(data)
			if got.Kind != tt.wantKind {
				t.Fatalf("Sniff() kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if tt.wantKind == codec.PayloadRaw && !bytes.Equal(got.Raw, tt.wantRaw) {
				t.Errorf("Sniff() raw = %v, want %v", got.Raw, tt.wantRaw)
			}
			if tt.wantKind == codec.PayloadEmbedded && string(got.Embedded) != tt.data {
				t.Errorf("Sniff() embedded = %s, want %s", got.Embedded, tt.data)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := codec.NewRegistry()
	r.Register("OrderCreated", func() interface{} { return &orderCreated{} })

	msg, ok := r.New("OrderCreated")
	if !ok {
		t.Fatal("New() ok = false for registered type")
	}
	if _, isConcrete := msg.(*orderCreated); !isConcrete {
		t.Errorf("New() returned %T, want *orderCreated", msg)
	}

	if _, ok := r.New("Unknown"); ok {
		t.Error("New() ok = true for unregistered type")
	}
}

func TestBytesEncoder_RejectsNonBytes(t *testing.T) {
	c := codec.New(codec.BytesEncoder{})
	if _, err := c.Encode("not bytes"); err == nil {
		t.Error("Encode(string) error = nil, want error")
	}
}

func TestJSONEncoder_EmbeddingRejectsInvalidJSON(t *testing.T) {
	e := codec.NewJSONEncoder(nil)
	if _, err := e.ToJSONEmbedding([]byte{0xFF, 0xFE}); err == nil {
		t.Error("ToJSONEmbedding(garbage) error = nil, want error")
	}
}
