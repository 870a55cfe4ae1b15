package runbook

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DataSourceTypeWarehouse  = "warehouse"
	DataSourceTypeBusinessDB = "business_db"

	BatchTimeImmediate = "immediate"
	BatchTimeColumn    = "column"

	MultiValuedSemicolon = "semicolon_delimited"
	MultiValuedComma     = "comma_delimited"
	MultiValuedJSONArray = "json_array"
)

// Spec is the parsed runbook specification document (YAML).
type Spec struct {
	Name            string                `yaml:"name" validate:"required"`
	DataSource      DataSourceSpec        `yaml:"data_source" validate:"required"`
	Init            []StepSpec            `yaml:"init" validate:"dive"`
	Phases          []PhaseSpec           `yaml:"phases" validate:"required,min=1,dive"`
	OnMemberRemoved []StepSpec            `yaml:"on_member_removed" validate:"dive"`
	Rollbacks       map[string][]StepSpec `yaml:"rollbacks"`
	Retry           *RetrySpec            `yaml:"retry"`
}

type DataSourceSpec struct {
	Type               string              `yaml:"type" validate:"required,oneof=warehouse business_db"`
	Connection         string              `yaml:"connection" validate:"required"`
	Query              string              `yaml:"query" validate:"required"`
	WarehouseID        string              `yaml:"warehouse_id"`
	PrimaryKey         string              `yaml:"primary_key" validate:"required"`
	BatchTime          string              `yaml:"batch_time" validate:"required,oneof=immediate column"`
	BatchTimeColumn    string              `yaml:"batch_time_column" validate:"required_if=BatchTime column"`
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns" validate:"dive"`
}

type MultiValuedColumn struct {
	Column string `yaml:"column" validate:"required"`
	Format string `yaml:"format" validate:"required,oneof=semicolon_delimited comma_delimited json_array"`
}

type PhaseSpec struct {
	Name   string     `yaml:"name" validate:"required"`
	Offset string     `yaml:"offset" validate:"required"`
	Steps  []StepSpec `yaml:"steps" validate:"required,min=1,dive"`
}

type StepSpec struct {
	Name         string            `yaml:"name" validate:"required"`
	WorkerID     string            `yaml:"worker_id" validate:"required"`
	Function     string            `yaml:"function" validate:"required"`
	Params       map[string]string `yaml:"params"`
	Poll         *PollSpec         `yaml:"poll"`
	Retry        *RetrySpec        `yaml:"retry"`
	OnFailure    string            `yaml:"on_failure"`
	OutputParams map[string]string `yaml:"output_params"`
}

type PollSpec struct {
	Interval string `yaml:"interval" validate:"required"`
	Timeout  string `yaml:"timeout" validate:"required"`
}

type RetrySpec struct {
	MaxRetries int    `yaml:"max_retries" validate:"gte=0"`
	Interval   string `yaml:"interval" validate:"required"`
}

var specValidator = validator.New()

// Parse unmarshals and validates a runbook specification document. Validation
// covers structure (validator tags) plus the cross-field rules the tags cannot
// express: offset and duration grammar, rollback references, phase name
// uniqueness.
func Parse(doc string) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("parse runbook spec: %w", err)
	}
	if err := specValidator.Struct(&s); err != nil {
		return nil, fmt.Errorf("validate runbook spec: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) check() error {
	seen := map[string]bool{}
	for _, p := range s.Phases {
		if seen[p.Name] {
			return fmt.Errorf("runbook %q: duplicate phase name %q", s.Name, p.Name)
		}
		seen[p.Name] = true
		if _, err := ParseOffset(p.Offset); err != nil {
			return fmt.Errorf("runbook %q phase %q: %w", s.Name, p.Name, err)
		}
		if err := s.checkSteps(p.Steps, "phase "+p.Name); err != nil {
			return err
		}
	}
	if err := s.checkSteps(s.Init, "init"); err != nil {
		return err
	}
	if err := s.checkSteps(s.OnMemberRemoved, "on_member_removed"); err != nil {
		return err
	}
	for name, steps := range s.Rollbacks {
		if err := s.checkSteps(steps, "rollback "+name); err != nil {
			return err
		}
	}
	if s.Retry != nil {
		if _, err := ParseDurationSec(s.Retry.Interval); err != nil {
			return fmt.Errorf("runbook %q retry: %w", s.Name, err)
		}
	}
	return nil
}

func (s *Spec) checkSteps(steps []StepSpec, where string) error {
	for _, st := range steps {
		if st.Poll != nil {
			if _, err := ParseDurationSec(st.Poll.Interval); err != nil {
				return fmt.Errorf("runbook %q %s step %q poll interval: %w", s.Name, where, st.Name, err)
			}
			if _, err := ParseDurationSec(st.Poll.Timeout); err != nil {
				return fmt.Errorf("runbook %q %s step %q poll timeout: %w", s.Name, where, st.Name, err)
			}
		}
		if st.Retry != nil {
			if _, err := ParseDurationSec(st.Retry.Interval); err != nil {
				return fmt.Errorf("runbook %q %s step %q retry interval: %w", s.Name, where, st.Name, err)
			}
		}
		if st.OnFailure != "" {
			if _, ok := s.Rollbacks[st.OnFailure]; !ok {
				return fmt.Errorf("runbook %q %s step %q: on_failure %q has no matching rollback list", s.Name, where, st.Name, st.OnFailure)
			}
		}
	}
	return nil
}

// EffectiveRetry resolves a step's retry policy against the runbook-level
// default. Returns (0, 0) when neither declares one.
func (s *Spec) EffectiveRetry(st *StepSpec) (maxRetries int, intervalSec int) {
	r := st.Retry
	if r == nil {
		r = s.Retry
	}
	if r == nil {
		return 0, 0
	}
	sec, err := ParseDurationSec(r.Interval)
	if err != nil {
		return 0, 0
	}
	return r.MaxRetries, sec
}

// StepBudget carries a step's poll and retry numbers in seconds, with the
// runbook-level retry default already applied. Zeroes mean "not declared".
type StepBudget struct {
	PollIntervalSec  int
	PollTimeoutSec   int
	MaxRetries       int
	RetryIntervalSec int
}

func (s *Spec) StepBudget(st *StepSpec) StepBudget {
	var b StepBudget
	if st.Poll != nil {
		b.PollIntervalSec, _ = ParseDurationSec(st.Poll.Interval)
		b.PollTimeoutSec, _ = ParseDurationSec(st.Poll.Timeout)
	}
	b.MaxRetries, b.RetryIntervalSec = s.EffectiveRetry(st)
	return b
}

// Phase returns the phase definition by name, or nil.
func (s *Spec) Phase(name string) *PhaseSpec {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// MultiValuedFormat returns the declared format for a column, or "".
func (s *Spec) MultiValuedFormat(column string) string {
	for _, mv := range s.DataSource.MultiValuedColumns {
		if mv.Column == column {
			return mv.Format
		}
	}
	return ""
}

// PlaceholderNames collects every {{name}} referenced by the runbook's phase
// steps, in first-use order. Reserved names (leading underscore) included.
func (s *Spec) PlaceholderNames() []string {
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(raw, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	for _, p := range s.Phases {
		for _, st := range p.Steps {
			add(st.Function)
			// Param keys sorted so the order is stable across calls.
			keys := make([]string, 0, len(st.Params))
			for k := range st.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				add(st.Params[k])
			}
		}
	}
	return out
}

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// DataTableName derives the per-version dynamic table name. Non-identifier
// characters in the runbook name collapse to underscores so the result always
// satisfies the identifier-safety regex.
func DataTableName(name string, version int) string {
	var b strings.Builder
	b.WriteString("rb_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_v")
	b.WriteString(strconv.Itoa(version))
	return b.String()
}

// SafeIdentifier reports whether s may be used as a SQL identifier in
// generated statements.
func SafeIdentifier(s string) bool { return identRe.MatchString(s) }
