// Package csvio parses operator-supplied member CSVs for manual batches and
// generates fill-in templates from a runbook definition.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/waypointops/cutoverd/internal/runbook"
)

// ValidationError rejects the whole upload; the admin API surfaces it as a
// 4xx. Warnings never block ingestion.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "csv validation failed: " + strings.Join(e.Problems, "; ")
}

// MemberRow is one parsed CSV row keyed by the original (spec-cased) column
// names. Values are trimmed.
type MemberRow struct {
	Key    string
	Values map[string]string
}

// ParseResult carries rows plus non-fatal warnings (unexpected columns).
type ParseResult struct {
	Rows     []MemberRow
	Warnings []string
}

// RequiredColumns computes the columns a member CSV must provide for a
// runbook: the primary key plus every non-reserved {{name}} referenced by the
// phase steps.
func RequiredColumns(spec *runbook.Spec) []string {
	cols := []string{spec.DataSource.PrimaryKey}
	seen := map[string]bool{spec.DataSource.PrimaryKey: true}
	for _, name := range spec.PlaceholderNames() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	return cols
}

// Parse reads a member CSV. Header row required; column matching is
// case-insensitive; a UTF-8 BOM is tolerated; \r\n and \n both work (the csv
// reader handles quoting per RFC 4180). Missing required columns, duplicate
// keys and empty keys fail validation.
func Parse(r io.Reader, spec *runbook.Spec) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, &ValidationError{Problems: []string{"missing header row"}}
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	required := RequiredColumns(spec)
	requiredByLower := map[string]string{}
	for _, c := range required {
		requiredByLower[strings.ToLower(c)] = c
	}

	// headerIdx maps spec-cased required name -> column position.
	headerIdx := map[string]int{}
	var warnings []string
	for i, h := range header {
		if specName, ok := requiredByLower[strings.ToLower(h)]; ok {
			headerIdx[specName] = i
		} else {
			warnings = append(warnings, fmt.Sprintf("unexpected column %q", h))
		}
	}

	var problems []string
	for _, c := range required {
		if _, ok := headerIdx[c]; !ok {
			problems = append(problems, fmt.Sprintf("missing required column %q", c))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	pk := spec.DataSource.PrimaryKey
	seenKeys := map[string]int{}
	rows := make([]MemberRow, 0, len(records)-1)
	for lineNo, rec := range records[1:] {
		values := map[string]string{}
		for name, idx := range headerIdx {
			if idx < len(rec) {
				values[name] = strings.TrimSpace(rec[idx])
			} else {
				values[name] = ""
			}
		}
		key := values[pk]
		if key == "" {
			problems = append(problems, fmt.Sprintf("row %d: empty %s", lineNo+2, pk))
			continue
		}
		if prev, dup := seenKeys[key]; dup {
			problems = append(problems, fmt.Sprintf("row %d: duplicate %s %q (first seen row %d)", lineNo+2, pk, key, prev))
			continue
		}
		seenKeys[key] = lineNo + 2
		rows = append(rows, MemberRow{Key: key, Values: values})
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return &ParseResult{Rows: rows, Warnings: warnings}, nil
}
