package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, min, sec int) time.Time {
	return time.Date(2026, 3, 9, hour, min, sec, 0, time.Local)
}

func TestPeriodContaining(t *testing.T) {
	tb := NewTable(nil)

	tests := []struct {
		name      string
		t         time.Time
		wantLabel string
		wantEnd   time.Time
		wantOK    bool
	}{
		{"mid period 1", at(7, 30, 0), "1", at(8, 8, 0), true},
		{"period start is inclusive", at(7, 25, 0), "1", at(8, 8, 0), true},
		{"period end is inclusive", at(8, 8, 0), "1", at(8, 8, 0), true},
		{"second past the end falls in the gap", at(8, 8, 30), "", time.Time{}, false},
		{"passing gap", at(8, 10, 0), "", time.Time{}, false},
		{"homeroom shares period 2's boundary, period 2 wins", at(8, 55, 0), "2", at(8, 55, 0), true},
		{"homeroom", at(8, 57, 0), "HR", at(9, 1, 0), true},
		{"last period", at(14, 30, 0), "9", at(14, 30, 0), true},
		{"before school", at(6, 0, 0), "", time.Time{}, false},
		{"after school", at(15, 0, 0), "", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, end, ok := tb.PeriodContaining(tt.t)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLabel, label)
			if tt.wantOK {
				assert.True(t, end.Equal(tt.wantEnd), "end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func TestDefaultSpansDoNotOverlap(t *testing.T) {
	// Adjacent spans may touch at a boundary (HR starts when period 2 ends)
	// but must never properly overlap.
	for i := 1; i < len(Default); i++ {
		prev, cur := Default[i-1], Default[i]
		require.LessOrEqual(t, prev.End.seconds(), cur.Start.seconds(),
			"period %s overlaps %s", prev.Label, cur.Label)
	}
}
