package main

import (
	"testing"
	"time"
)

func TestParseDocIDs(t *testing.T) {
	ids, err := parseDocIDs(" 7, 9 ,12,")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != 7 || ids[1] != 9 || ids[2] != 12 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := parseDocIDs("7,abc"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
	empty, err := parseDocIDs("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v (%v)", empty, err)
	}
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("COLLABSYNC_TEST_FLOAT", "0.35")
	got := floatEnv("COLLABSYNC_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("COLLABSYNC_TEST_FLOAT_BAD", "oops")
	got := floatEnv("COLLABSYNC_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
