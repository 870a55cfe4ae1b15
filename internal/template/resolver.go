// Package template substitutes {{name}} placeholders in step parameters from
// a member's data snapshot plus the reserved batch-scoped names.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	ReservedBatchID        = "_batch_id"
	ReservedBatchStartTime = "_batch_start_time"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// UnresolvedError reports every placeholder that could not be resolved.
// Callers skip the affected member and log; it never fails a phase.
type UnresolvedError struct {
	Template string
	Names    []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved placeholders %v in template %q", e.Names, e.Template)
}

// Scope is the resolution context for one member of one batch. Member may be
// nil for batch-only resolution (init steps, rollbacks without a member).
type Scope struct {
	BatchID        int64
	BatchStartTime time.Time
	Member         map[string]any
}

func (s Scope) lookup(name string) (string, bool) {
	switch name {
	case ReservedBatchID:
		return fmt.Sprintf("%d", s.BatchID), true
	case ReservedBatchStartTime:
		return s.BatchStartTime.UTC().Format(time.RFC3339), true
	}
	if s.Member == nil {
		return "", false
	}
	v, ok := s.Member[name]
	if !ok {
		return "", false
	}
	if v == nil {
		return "", true
	}
	if str, isStr := v.(string); isStr {
		return str, true
	}
	return fmt.Sprint(v), true
}

// Resolve substitutes every resolvable placeholder in one string. All
// unresolved names accumulate into a single UnresolvedError.
func Resolve(tmpl string, scope Scope) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-2]
		val, ok := scope.lookup(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", &UnresolvedError{Template: tmpl, Names: dedupe(missing)}
	}
	return out, nil
}

// ResolveParams resolves a whole parameter map, accumulating missing names
// across every value so the error lists all of them at once.
func ResolveParams(params map[string]string, scope Scope) (map[string]string, error) {
	out := make(map[string]string, len(params))
	var missing []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		resolved, err := Resolve(params[k], scope)
		if err != nil {
			var ue *UnresolvedError
			if asUnresolved(err, &ue) {
				missing = append(missing, ue.Names...)
				continue
			}
			return nil, err
		}
		out[k] = resolved
	}
	if len(missing) > 0 {
		return nil, &UnresolvedError{Template: joinTemplates(params), Names: dedupe(missing)}
	}
	return out, nil
}

func asUnresolved(err error, target **UnresolvedError) bool {
	ue, ok := err.(*UnresolvedError)
	if ok {
		*target = ue
	}
	return ok
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func joinTemplates(params map[string]string) string {
	vals := make([]string, 0, len(params))
	for _, v := range params {
		vals = append(vals, v)
	}
	sort.Strings(vals)
	return strings.Join(vals, " ")
}
