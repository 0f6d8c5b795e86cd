package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)

	if got := c.Advance(250 * time.Millisecond); !got.Equal(start.Add(250 * time.Millisecond)) {
		t.Fatalf("expected %v, got %v", start.Add(250*time.Millisecond), got)
	}
	if got := Seconds(c.Now()); got != 1000.25 {
		t.Fatalf("expected 1000.25 seconds, got %v", got)
	}
}
