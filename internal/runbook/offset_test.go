package runbook

import (
	"testing"
)

func TestParseOffset(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"T-0", 0},
		{"T-30s", 1},
		{"T-60s", 1},
		{"T-61s", 2},
		{"T-15m", 15},
		{"T-2h", 120},
		{"T-1d", 1440},
	}
	for _, c := range cases {
		got, err := ParseOffset(c.in)
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseOffset(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseOffsetRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "T", "1d", "T-", "T-x", "T-1w", "T--5m", "T-5"} {
		if _, err := ParseOffset(in); err == nil {
			t.Fatalf("ParseOffset(%q): expected error", in)
		}
	}
}

func TestParseDurationSec(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"0", 0},
		{"30s", 30},
		{"5m", 300},
		{"1h", 3600},
		{"1d", 86400},
	}
	for _, c := range cases {
		got, err := ParseDurationSec(c.in)
		if err != nil {
			t.Fatalf("ParseDurationSec(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseDurationSec(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseDurationSecRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "s", "10", "-5s", "5y"} {
		if _, err := ParseDurationSec(in); err == nil {
			t.Fatalf("ParseDurationSec(%q): expected error", in)
		}
	}
}

func TestDataTableName(t *testing.T) {
	got := DataTableName("Mailbox Cutover-2026", 3)
	if got != "rb_mailbox_cutover_2026_v3" {
		t.Fatalf("DataTableName = %q", got)
	}
	if !SafeIdentifier(got) {
		t.Fatalf("DataTableName %q is not identifier safe", got)
	}
}
