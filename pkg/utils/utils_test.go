package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}

	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
}

func TestNewID(t *testing.T) {
	if len(NewID()) != 36 {
		t.Error("expected uuid string")
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)

	inputs := []string{
		"2024-03-01T10:00:00.123456Z",
		"2024-03-01T10:00:00.123456+00:00",
		"2024-03-01 10:00:00.123456+00",
		"2024-03-01T10:00:00.123456",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "   ", "yesterday", "now()"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestFormatTimestampRoundTrip(t *testing.T) {
	now := time.Now()
	got, err := ParseTimestamp(FormatTimestamp(now))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Errorf("round trip mismatch: %v != %v", got, now)
	}
}
