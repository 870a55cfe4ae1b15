package csvio

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/waypointops/cutoverd/internal/dyntable"
	"github.com/waypointops/cutoverd/internal/runbook"
)

// Template generates a member CSV template for a runbook: one header row of
// every column an operator might need (primary key, query projection, every
// non-reserved placeholder) and one sample row with values shaped by the
// column name.
func Template(spec *runbook.Spec) ([]byte, error) {
	cols := []string{spec.DataSource.PrimaryKey}
	seen := map[string]bool{spec.DataSource.PrimaryKey: true}

	projection, err := dyntable.SelectColumns(spec.DataSource.Query)
	if err != nil {
		return nil, fmt.Errorf("derive template columns: %w", err)
	}
	for _, c := range projection {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, name := range spec.PlaceholderNames() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}

	sample := make([]string, len(cols))
	for i, c := range cols {
		if format := spec.MultiValuedFormat(c); format != "" {
			sample[i] = multiValuedSample(format)
			continue
		}
		sample[i] = sampleValue(c)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	if err := w.Write(sample); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sampleValue(col string) string {
	lc := strings.ToLower(col)
	switch {
	case strings.Contains(lc, "email") || strings.Contains(lc, "mail"):
		return "user@example.com"
	case strings.Contains(lc, "date") || strings.Contains(lc, "time") || strings.HasSuffix(lc, "_at"):
		return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
	case lc == "id" || strings.HasSuffix(lc, "_id") || strings.HasSuffix(lc, "id"):
		return "sample_id_001"
	default:
		return "sample_value"
	}
}

// multiValuedSample shows the declared source format; the csv writer applies
// quoting where the example contains commas.
func multiValuedSample(format string) string {
	switch format {
	case runbook.MultiValuedSemicolon:
		return "value1;value2"
	case runbook.MultiValuedComma:
		return "value1,value2"
	case runbook.MultiValuedJSONArray:
		return `["value1","value2"]`
	default:
		return "sample_value"
	}
}
