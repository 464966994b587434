package mongostore

import (
	"math"
	"testing"
	"time"
)

func TestTTLSeconds(t *testing.T) {
	cases := []struct {
		retention time.Duration
		want      int32
	}{
		{0, 1},
		{time.Millisecond, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{24 * time.Hour, 86400},
		{time.Duration(math.MaxInt64), math.MaxInt32},
	}
	for _, tc := range cases {
		if got := ttlSeconds(tc.retention); got != tc.want {
			t.Fatalf("ttlSeconds(%s) = %d, want %d", tc.retention, got, tc.want)
		}
	}
}
