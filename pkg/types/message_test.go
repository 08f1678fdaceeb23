package types

import "testing"

func TestMessageRefCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b MessageRef
		want int
	}{
		{"equal", MessageRef{100, 0}, MessageRef{100, 0}, 0},
		{"earlier timestamp", MessageRef{99, 5}, MessageRef{100, 0}, -1},
		{"later timestamp", MessageRef{101, 0}, MessageRef{100, 9}, 1},
		{"same timestamp earlier seq", MessageRef{100, 1}, MessageRef{100, 2}, -1},
		{"same timestamp later seq", MessageRef{100, 3}, MessageRef{100, 2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMessageID(t *testing.T) {
	id := MessageID{
		StreamID:       "stream-1",
		Partition:      2,
		Timestamp:      1000,
		SequenceNumber: 3,
		PublisherID:    "pub-1",
		MsgChainID:     "chain-1",
	}

	if id.StreamKey().String() != "stream-1::2" {
		t.Errorf("StreamKey() = %v", id.StreamKey())
	}
	if id.Ref() != (MessageRef{Timestamp: 1000, SequenceNumber: 3}) {
		t.Errorf("Ref() = %v", id.Ref())
	}
	if id.ChainKey() != (ChainKey{PublisherID: "pub-1", MsgChainID: "chain-1"}) {
		t.Errorf("ChainKey() = %v", id.ChainKey())
	}
}
