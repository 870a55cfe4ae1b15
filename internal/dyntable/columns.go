package dyntable

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/waypointops/cutoverd/internal/runbook"
)

// SelectColumns extracts the output column names of a SELECT statement's
// projection. `expr AS name` uses name, `table.col` uses col, `[bracketed]`
// identifiers are stripped. Commas inside parentheses do not split.
func SelectColumns(query string) ([]string, error) {
	projection, err := projectionText(query)
	if err != nil {
		return nil, err
	}
	items := splitTopLevel(projection)
	cols := make([]string, 0, len(items))
	for _, item := range items {
		name, err := outputName(item)
		if err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("query has an empty projection")
	}
	return cols, nil
}

func projectionText(query string) (string, error) {
	q := strings.TrimSpace(query)
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT") {
		return "", fmt.Errorf("query must start with SELECT")
	}
	body := q[len("SELECT"):]
	upperBody := upper[len("SELECT"):]

	if rest := strings.TrimLeft(upperBody, " \t\r\n"); strings.HasPrefix(rest, "DISTINCT") {
		idx := strings.Index(upperBody, "DISTINCT")
		body = body[idx+len("DISTINCT"):]
		upperBody = upperBody[idx+len("DISTINCT"):]
	}

	depth := 0
	for i := 0; i < len(upperBody); i++ {
		switch upperBody[i] {
		case '(':
			depth++
		case ')':
			depth--
		case 'F':
			if depth == 0 && strings.HasPrefix(upperBody[i:], "FROM") && boundaryBefore(upperBody, i) && boundaryAfter(upperBody, i+4) {
				return body[:i], nil
			}
		}
	}
	return "", fmt.Errorf("query has no top-level FROM clause")
}

func boundaryBefore(s string, i int) bool {
	return i == 0 || s[i-1] == ' ' || s[i-1] == '\t' || s[i-1] == '\n' || s[i-1] == '\r'
}

func boundaryAfter(s string, i int) bool {
	return i >= len(s) || s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r'
}

func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func outputName(item string) (string, error) {
	it := strings.TrimSpace(item)
	if it == "" {
		return "", fmt.Errorf("empty projection item")
	}
	// `expr AS alias` wins; scan for a top-level AS keyword.
	upper := strings.ToUpper(it)
	depth := 0
	for i := 0; i+2 <= len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		case 'A':
			if depth == 0 && strings.HasPrefix(upper[i:], "AS") && boundaryBefore(upper, i) && boundaryAfter(upper, i+2) {
				return cleanIdentifier(it[i+2:])
			}
		}
	}
	// Otherwise the last dotted segment of the expression.
	if idx := strings.LastIndex(it, "."); idx >= 0 {
		it = it[idx+1:]
	}
	return cleanIdentifier(it)
}

func cleanIdentifier(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	name = strings.TrimPrefix(name, "[")
	name = strings.TrimSuffix(name, "]")
	name = strings.Trim(name, "\"`")
	if !runbook.SafeIdentifier(name) {
		return "", fmt.Errorf("projection item %q does not yield a safe column name", raw)
	}
	return name, nil
}

// NormalizeMultiValued converts a multi-valued cell into JSON-array text,
// regardless of the declared source format. Nil stays nil.
func NormalizeMultiValued(value *string, format string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	var parts []string
	switch format {
	case runbook.MultiValuedSemicolon:
		parts = splitTrim(*value, ";")
	case runbook.MultiValuedComma:
		parts = splitTrim(*value, ",")
	case runbook.MultiValuedJSONArray:
		var arr []string
		if err := json.Unmarshal([]byte(*value), &arr); err == nil {
			parts = arr
		} else {
			// Not a valid array: snapshot the raw cell as a single element.
			parts = []string{strings.TrimSpace(*value)}
		}
	default:
		return nil, fmt.Errorf("unknown multi-valued format %q", format)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func splitTrim(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if t := strings.TrimSpace(r); t != "" {
			out = append(out, t)
		}
	}
	return out
}
