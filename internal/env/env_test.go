package env

import (
	"testing"
	"time"
)

func TestDurationAcceptsSecondsAndGoSyntax(t *testing.T) {
	t.Setenv("PF_TEST_DUR", "1.5")
	if got := Duration("PF_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}
	t.Setenv("PF_TEST_DUR", "300ms")
	if got := Duration("PF_TEST_DUR", time.Second); got != 300*time.Millisecond {
		t.Fatalf("expected 300ms, got %s", got)
	}
	t.Setenv("PF_TEST_DUR", "soon")
	if got := Duration("PF_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestDurationMapSkipsMalformedPairs(t *testing.T) {
	t.Setenv("PF_TEST_SETTLE", "jd=3.8s, mt=2300ms,broken,tb=abc")
	got := DurationMap("PF_TEST_SETTLE")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %v", got)
	}
	if got["jd"] != 3800*time.Millisecond || got["mt"] != 2300*time.Millisecond {
		t.Fatalf("unexpected map: %v", got)
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("PF_TEST_BOOL", "yes")
	if !Bool("PF_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("PF_TEST_INT", "x")
	if got := Int("PF_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}
