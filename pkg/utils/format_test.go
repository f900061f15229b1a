package utils

import (
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-9876543, "-9,876,543"},
	}
	for _, tt := range tests {
		if got := FormatCount(tt.in); got != tt.want {
			t.Errorf("FormatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProperty_FormatCountGrouping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("removing separators restores the number", prop.ForAll(
		func(n int64) bool {
			formatted := FormatCount(n)
			parsed, err := strconv.ParseInt(strings.ReplaceAll(formatted, ",", ""), 10, 64)
			return err == nil && parsed == n
		},
		gen.Int64(),
	))

	properties.Property("every group after the first has three digits", prop.ForAll(
		func(n int64) bool {
			groups := strings.Split(strings.TrimPrefix(FormatCount(n), "-"), ",")
			if len(groups[0]) < 1 || len(groups[0]) > 3 {
				return false
			}
			for _, g := range groups[1:] {
				if len(g) != 3 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDate_Zero(t *testing.T) {
	if got := FormatDate(time.Time{}); got != "-" {
		t.Errorf("FormatDate(zero) = %q", got)
	}
	if got := FormatDate(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)); got != "2024-02-29" {
		t.Errorf("FormatDate = %q", got)
	}
}

func TestProperty_TruncateString(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("result never exceeds the limit", prop.ForAll(
		func(s string, max int) bool {
			return utf8.RuneCountInString(TruncateString(s, max)) <= max
		},
		gen.AnyString(),
		gen.IntRange(0, 64),
	))

	properties.Property("short strings are unchanged", prop.ForAll(
		func(s string) bool {
			return TruncateString(s, utf8.RuneCountInString(s)) == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
