package runbook

import (
	"strings"
	"testing"
)

const sampleDoc = `
name: mailbox-cutover
data_source:
  type: warehouse
  connection: analytics
  query: SELECT user_id, email, cutover_at, aliases FROM cohort
  primary_key: user_id
  batch_time: column
  batch_time_column: cutover_at
  multi_valued_columns:
    - column: aliases
      format: semicolon_delimited
init:
  - name: provision
    worker_id: infra
    function: provision_tenant
    params:
      batch: "{{_batch_id}}"
phases:
  - name: prestage
    offset: T-1d
    steps:
      - name: sync
        worker_id: mailmover
        function: sync_mailbox
        params:
          id: "{{user_id}}"
          target: "{{email}}"
        poll:
          interval: 30s
          timeout: 2h
  - name: cutover
    offset: T-0
    steps:
      - name: flip
        worker_id: mailmover
        function: flip_dns
        params:
          id: "{{user_id}}"
        retry:
          max_retries: 2
          interval: 10s
        on_failure: unflip
rollbacks:
  unflip:
    - name: restore
      worker_id: mailmover
      function: restore_dns
      params:
        id: "{{user_id}}"
retry:
  max_retries: 1
  interval: 1m
`

func TestParseSampleDoc(t *testing.T) {
	s, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "mailbox-cutover" {
		t.Fatalf("name = %q", s.Name)
	}
	if len(s.Phases) != 2 || s.Phases[0].Name != "prestage" {
		t.Fatalf("phases = %+v", s.Phases)
	}
	if s.DataSource.BatchTimeColumn != "cutover_at" {
		t.Fatalf("batch_time_column = %q", s.DataSource.BatchTimeColumn)
	}
	if s.MultiValuedFormat("aliases") != MultiValuedSemicolon {
		t.Fatalf("aliases format = %q", s.MultiValuedFormat("aliases"))
	}
	if s.Phase("cutover") == nil || s.Phase("nope") != nil {
		t.Fatalf("Phase lookup broken")
	}
}

func TestParseRejectsUnknownRollbackRef(t *testing.T) {
	doc := strings.Replace(sampleDoc, "on_failure: unflip", "on_failure: ghost", 1)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("Parse: expected error for dangling on_failure")
	}
}

func TestParseRejectsBadOffset(t *testing.T) {
	doc := strings.Replace(sampleDoc, "offset: T-1d", "offset: yesterday", 1)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("Parse: expected error for bad offset")
	}
}

func TestParseRejectsDuplicatePhase(t *testing.T) {
	doc := strings.Replace(sampleDoc, "name: cutover\n    offset: T-0", "name: prestage\n    offset: T-0", 1)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("Parse: expected error for duplicate phase name")
	}
}

func TestEffectiveRetryFallsBackToTopLevel(t *testing.T) {
	s, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// prestage/sync declares no retry; top-level retry applies.
	maxR, sec := s.EffectiveRetry(&s.Phases[0].Steps[0])
	if maxR != 1 || sec != 60 {
		t.Fatalf("EffectiveRetry = (%d, %d)", maxR, sec)
	}
	// cutover/flip declares its own.
	maxR, sec = s.EffectiveRetry(&s.Phases[1].Steps[0])
	if maxR != 2 || sec != 10 {
		t.Fatalf("EffectiveRetry = (%d, %d)", maxR, sec)
	}
}

func TestPlaceholderNames(t *testing.T) {
	s, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	names := s.PlaceholderNames()
	want := map[string]bool{"user_id": true, "email": true}
	for _, n := range names {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Fatalf("PlaceholderNames missing %v (got %v)", want, names)
	}

	// Param maps must not leak iteration order: every call returns the same
	// sequence, which keeps generated CSV columns stable.
	for i := 0; i < 20; i++ {
		again := s.PlaceholderNames()
		if len(again) != len(names) {
			t.Fatalf("PlaceholderNames length changed: %v vs %v", again, names)
		}
		for j := range names {
			if again[j] != names[j] {
				t.Fatalf("PlaceholderNames order changed: %v vs %v", again, names)
			}
		}
	}
}
