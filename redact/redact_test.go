package redact

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestRemove(t *testing.T) {
	input := []byte("ABCDEFGHIJ")

	tests := []struct {
		name   string
		ranges []Range
		want   string
	}{
		{"single range", []Range{{2, 3}}, "ABFGHIJ"},
		{"two ranges", []Range{{0, 2}, {5, 1}}, "CDEGHIJ"},
		{"adjacent ranges", []Range{{0, 2}, {2, 2}}, "EFGHIJ"},
		{"zero length", []Range{{4, 0}}, "ABCDEFGHIJ"},
		{"whole body", []Range{{0, 10}}, ""},
		{"tail", []Range{{7, 3}}, "ABCDEFG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Remove(input, tt.ranges)
			if err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if string(input) != "ABCDEFGHIJ" {
		t.Fatalf("input mutated: %q", input)
	}
}

func TestRemove_NoRanges(t *testing.T) {
	input := []byte("ABCDEFGHIJ")
	got, err := Remove(input, nil)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !bytes.Equal(got, input) {
		t.Fatalf("got %q, want input unchanged", got)
	}
	got[0] = 'x'
	if input[0] != 'A' {
		t.Fatal("Remove with no ranges must not alias its input")
	}
}

func TestRemove_FailClosed(t *testing.T) {
	input := []byte("ABCDEFGHIJ")

	tests := []struct {
		name   string
		ranges []Range
	}{
		{"out of range", []Range{{100, 5}}},
		{"runs past end", []Range{{8, 5}}},
		{"negative offset", []Range{{-1, 2}}},
		{"negative length", []Range{{2, -1}}},
		{"unsorted", []Range{{5, 1}, {0, 2}}},
		{"overlapping", []Range{{2, 4}, {4, 2}}},
		{"overflow", []Range{{1, math.MaxInt64}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Remove(input, tt.ranges)
			if !errors.Is(err, ErrMalformedRanges) {
				t.Fatalf("err: got %v, want ErrMalformedRanges", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("got %q, want empty non-nil slice", got)
			}
		})
	}
}

func TestRemoved(t *testing.T) {
	if n := Removed([]Range{{0, 2}, {5, 1}}); n != 3 {
		t.Errorf("Removed: got %d, want 3", n)
	}
}
