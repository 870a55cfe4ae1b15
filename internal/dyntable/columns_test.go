package dyntable

import (
	"reflect"
	"testing"
)

func TestSelectColumns(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"SELECT user_id, email FROM cohort", []string{"user_id", "email"}},
		{"SELECT u.user_id, u.email FROM users u", []string{"user_id", "email"}},
		{"SELECT [user_id], [display name] AS display_name FROM t", []string{"user_id", "display_name"}},
		{"SELECT COALESCE(a, b) AS merged, id FROM t", []string{"merged", "id"}},
		{"select distinct user_id from t", []string{"user_id"}},
		{"SELECT upper(name) as NAME_UC, t.id FROM t WHERE x IN (SELECT y FROM z)", []string{"NAME_UC", "id"}},
	}
	for _, c := range cases {
		got, err := SelectColumns(c.query)
		if err != nil {
			t.Fatalf("SelectColumns(%q): %v", c.query, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("SelectColumns(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}

func TestSelectColumnsRejects(t *testing.T) {
	for _, q := range []string{
		"DELETE FROM t",
		"SELECT user_id",
		"SELECT 1 + 1 FROM t",
	} {
		if _, err := SelectColumns(q); err == nil {
			t.Fatalf("SelectColumns(%q): expected error", q)
		}
	}
}

func strp(s string) *string { return &s }

func TestNormalizeMultiValued(t *testing.T) {
	cases := []struct {
		in     *string
		format string
		want   string
	}{
		{strp("a; b ;c"), "semicolon_delimited", `["a","b","c"]`},
		{strp("a,b"), "comma_delimited", `["a","b"]`},
		{strp(`["x","y"]`), "json_array", `["x","y"]`},
		{strp("not-json"), "json_array", `["not-json"]`},
		{strp(""), "semicolon_delimited", `[]`},
	}
	for _, c := range cases {
		got, err := NormalizeMultiValued(c.in, c.format)
		if err != nil {
			t.Fatalf("NormalizeMultiValued(%v, %s): %v", c.in, c.format, err)
		}
		if got == nil || *got != c.want {
			t.Fatalf("NormalizeMultiValued(%v, %s) = %v, want %q", c.in, c.format, got, c.want)
		}
	}
	if got, err := NormalizeMultiValued(nil, "comma_delimited"); err != nil || got != nil {
		t.Fatalf("NormalizeMultiValued(nil) = %v, %v", got, err)
	}
	if _, err := NormalizeMultiValued(strp("x"), "pipe_delimited"); err == nil {
		t.Fatalf("NormalizeMultiValued: expected error for unknown format")
	}
}
