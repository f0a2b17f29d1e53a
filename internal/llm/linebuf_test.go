package llm

import (
	"reflect"
	"testing"
)

func TestLineBufferReassemblesSplitLines(t *testing.T) {
	var lb LineBuffer

	if lines := lb.Feed([]byte("hel")); lines != nil {
		t.Fatalf("partial line should yield nothing, got %v", lines)
	}
	if lines := lb.Feed([]byte("lo\nwor")); !reflect.DeepEqual(lines, []string{"hello"}) {
		t.Fatalf("expected [hello], got %v", lines)
	}
	if lines := lb.Feed([]byte("ld\n")); !reflect.DeepEqual(lines, []string{"world"}) {
		t.Fatalf("expected [world], got %v", lines)
	}
	if rest, ok := lb.Flush(); ok {
		t.Fatalf("buffer should be empty, got %q", rest)
	}
}

func TestLineBufferMultipleLinesOneFeed(t *testing.T) {
	var lb LineBuffer
	lines := lb.Feed([]byte("a\r\nb\nc"))
	if !reflect.DeepEqual(lines, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", lines)
	}
	rest, ok := lb.Flush()
	if !ok || rest != "c" {
		t.Fatalf("expected buffered tail c, got %q (ok=%v)", rest, ok)
	}
	if _, ok := lb.Flush(); ok {
		t.Fatalf("flush should drain the buffer")
	}
}

func TestLineBufferEmptyFeed(t *testing.T) {
	var lb LineBuffer
	if lines := lb.Feed(nil); lines != nil {
		t.Fatalf("empty feed should yield nothing, got %v", lines)
	}
}
