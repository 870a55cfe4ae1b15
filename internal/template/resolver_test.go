package template

import (
	"errors"
	"testing"
	"time"
)

func scopeWith(member map[string]any) Scope {
	return Scope{
		BatchID:        42,
		BatchStartTime: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Member:         member,
	}
}

func TestResolveMemberColumn(t *testing.T) {
	got, err := Resolve("migrate {{user_id}} now", scopeWith(map[string]any{"user_id": "u1"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "migrate u1 now" {
		t.Fatalf("Resolve: got %q", got)
	}
}

func TestResolveReservedNames(t *testing.T) {
	got, err := Resolve("{{_batch_id}}@{{_batch_start_time}}", scopeWith(nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "42@2026-03-14T10:00:00Z" {
		t.Fatalf("Resolve: got %q", got)
	}
}

func TestResolveNullColumnIsEmpty(t *testing.T) {
	got, err := Resolve("[{{region}}]", scopeWith(map[string]any{"region": nil}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "[]" {
		t.Fatalf("Resolve: got %q", got)
	}
}

func TestResolveEmptyMemberFailsLoudly(t *testing.T) {
	_, err := Resolve("{{user_id}}", scopeWith(nil))
	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("Resolve: expected UnresolvedError, got %v", err)
	}
	if len(ue.Names) != 1 || ue.Names[0] != "user_id" {
		t.Fatalf("Resolve: names = %v", ue.Names)
	}
}

func TestResolveIsCaseSensitive(t *testing.T) {
	_, err := Resolve("{{User_Id}}", scopeWith(map[string]any{"user_id": "u1"}))
	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("Resolve: expected UnresolvedError, got %v", err)
	}
}

func TestResolveParamsAccumulatesAllMissing(t *testing.T) {
	params := map[string]string{
		"a": "{{alpha}}",
		"b": "{{beta}} and {{alpha}}",
		"c": "{{_batch_id}}",
	}
	_, err := ResolveParams(params, scopeWith(map[string]any{}))
	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("ResolveParams: expected UnresolvedError, got %v", err)
	}
	if len(ue.Names) != 2 {
		t.Fatalf("ResolveParams: names = %v", ue.Names)
	}
}

func TestResolveParamsAllResolved(t *testing.T) {
	params := map[string]string{
		"id":    "{{user_id}}",
		"batch": "{{_batch_id}}",
	}
	out, err := ResolveParams(params, scopeWith(map[string]any{"user_id": "u9"}))
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	if out["id"] != "u9" || out["batch"] != "42" {
		t.Fatalf("ResolveParams: got %v", out)
	}
}
