package mac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendFCnt(t *testing.T) {
	tests := []struct {
		name string
		ext  uint32
		wire uint16
		want uint32
		ok   bool
	}{
		{"next", 5, 6, 6, true},
		{"same is replay", 5, 5, 0, false},
		{"behind is replay", 5, 4, 0, false},
		{"window edge accepted", 0, 16384, 16384, true},
		{"beyond window rejected", 0, 16385, 0, false},
		{"rollover carries high half", 0xFFFF, 0x0000, 0x10000, true},
		{"rollover mid-window", 0xFFFE, 0x0010, 0x10010, true},
		{"high half preserved", 0x2FFFE, 0xFFFF, 0x2FFFF, true},
		{"second rollover", 0x1FFFF, 0x0001, 0x20001, true},
		{"stale after rollover", 0x10000, 0xFFFF, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtendFCnt(tt.ext, tt.wire)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtendFirstFCnt(t *testing.T) {
	got, ok := ExtendFirstFCnt(0)
	require.True(t, ok)
	require.Equal(t, uint32(0), got)

	got, ok = ExtendFirstFCnt(100)
	require.True(t, ok)
	require.Equal(t, uint32(100), got)

	_, ok = ExtendFirstFCnt(16384)
	require.False(t, ok)
}
