package util

import (
	"math"
	"testing"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{10 * 1024 * 1024, "10.0 MiB"},
	}

	for _, tc := range testCases {
		got := FormatBytes(tc.in)
		if got != tc.want {
			t.Errorf("FormatBytes(%v): got %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("FormatBytes(%v): width %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatETA(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{math.Inf(1), "--:--"},
		{math.NaN(), "--:--"},
		{59, "00:59"},
		{61, "01:01"},
		{3725, "1:02:05"},
	}

	for _, tc := range testCases {
		if got := FormatETA(tc.in); got != tc.want {
			t.Errorf("FormatETA(%v): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("1f0c9a2b-1111-2222-3333-444455556666"); got != "1f0c9a2b" {
		t.Errorf("got %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
	if len(NewTransferID()) != 36 {
		t.Error("NewTransferID should return a canonical uuid string")
	}
}
