package background

import (
	"bytes"
	"strings"
	"testing"
)

func TestAccumulatorUnderLimit(t *testing.T) {
	a := newAccumulator(1024)
	a.write([]byte("hello "))
	a.write([]byte("world"))
	if got := string(a.take()); got != "hello world" {
		t.Errorf("take() = %q", got)
	}
	if got := a.take(); len(got) != 0 {
		t.Errorf("second take() = %q, want empty", got)
	}
	if a.received != 11 || a.dropped != 0 || a.full {
		t.Errorf("received=%d dropped=%d full=%v", a.received, a.dropped, a.full)
	}
}

func TestAccumulatorMarkerOnce(t *testing.T) {
	limit := 200
	a := newAccumulator(limit)
	chunk := bytes.Repeat([]byte("x"), 37)
	var all []byte
	for range 100 {
		a.write(chunk)
		all = append(all, a.take()...)
	}
	if len(all) > limit {
		t.Errorf("accumulated %d bytes, limit %d", len(all), limit)
	}
	if n := strings.Count(string(all), LimitMarker); n != 1 {
		t.Errorf("marker appears %d times, want 1", n)
	}
	if !strings.HasSuffix(string(all), LimitMarker) {
		t.Error("marker is not the last thing written")
	}
	wantKept := int64(limit - len(LimitMarker))
	if a.received != 3700 || a.dropped != 3700-wantKept {
		t.Errorf("received=%d dropped=%d, want dropped=%d", a.received, a.dropped, 3700-wantKept)
	}
}

func TestAccumulatorSingleLargeWrite(t *testing.T) {
	limit := 100
	a := newAccumulator(limit)
	a.write(bytes.Repeat([]byte("y"), 1000))
	a.write([]byte("more"))
	got := a.take()
	if len(got) != limit {
		t.Errorf("len = %d, want exactly %d", len(got), limit)
	}
	if strings.Count(string(got), LimitMarker) != 1 {
		t.Errorf("marker count wrong in %q", got)
	}
	if a.pending() != 0 {
		t.Errorf("pending() = %d after take", a.pending())
	}
}

func TestAccumulatorTinyLimit(t *testing.T) {
	a := newAccumulator(5)
	a.write([]byte("abcdefgh"))
	got := a.take()
	if len(got) > 5 {
		t.Errorf("len = %d exceeds limit", len(got))
	}
	if !a.full {
		t.Error("accumulator not marked full")
	}
}
