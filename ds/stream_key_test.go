package ds

import "testing"

func TestStreamKey_Resolve(t *testing.T) {
	tests := []struct {
		name string
		key  StreamKey
		want StreamTarget
	}{
		{
			name: "plain key targets default collection",
			key:  "order-123",
			want: StreamTarget{Collection: "", Key: "order-123"},
		},
		{
			name: "namespaced key resolves collection override",
			key:  "@archive/order-123",
			want: StreamTarget{Collection: "archive", Key: "order-123"},
		},
		{
			name: "empty key resolves to empty target",
			key:  "",
			want: StreamTarget{Collection: "", Key: ""},
		},
		{
			name: "at-prefix without separator is unresolvable",
			key:  "@archive",
			want: StreamTarget{},
		},
		{
			name: "extra separators are unresolvable",
			key:  "@archive/orders/123",
			want: StreamTarget{},
		},
		{
			name: "bare at sign is unresolvable",
			key:  "@",
			want: StreamTarget{},
		},
		{
			name: "key containing slash without at-prefix stays whole",
			key:  "orders/123",
			want: StreamTarget{Collection: "", Key: "orders/123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.Resolve(); got != tt.want {
				t.Errorf("StreamKey(%q).Resolve() = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

func TestStreamKey_String(t *testing.T) {
	if got := StreamKey("@archive/order-1").String(); got != "@archive/order-1" {
		t.Errorf("String() = %q, want %q", got, "@archive/order-1")
	}
}
