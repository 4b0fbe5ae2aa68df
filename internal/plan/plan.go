// Package plan loads batch plans: JSON or YAML files that describe the
// workers of a batch, validated against an embedded JSON schema.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/nibzard/procpool/internal/task"
)

// SchemaVersion is the only plan version understood.
const SchemaVersion = 1

const schemaURL = "https://procpool.dev/schema/plan.json"

//go:embed plan.schema.json
var schemaSource []byte

// Plan describes one batch.
type Plan struct {
	SchemaVersion      int        `json:"schema_version"`
	Name               string     `json:"name,omitempty"`
	Workers            int        `json:"workers,omitempty"`
	SuccessProbability *float64   `json:"success_probability,omitempty"`
	DurationBound      Duration   `json:"duration_bound,omitempty"`
	Seed               uint64     `json:"seed,omitempty"`
	Units              []UnitSpec `json:"units,omitempty"`
}

// UnitSpec overrides the batch defaults for one unit.
type UnitSpec struct {
	SuccessProbability *float64     `json:"success_probability,omitempty"`
	DurationBound      Duration     `json:"duration_bound,omitempty"`
	Delay              *Duration    `json:"delay,omitempty"`
	Seed               uint64       `json:"seed,omitempty"`
	Outcome            task.Outcome `json:"outcome,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ValidationError locates a plan problem by dot path.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// InvalidPlanError collects every validation problem of a plan.
type InvalidPlanError struct {
	Source string
	Errors []error
}

func (e *InvalidPlanError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid plan %s: %s", e.Source, strings.Join(msgs, "; "))
}

func (e *InvalidPlanError) Unwrap() []error {
	return e.Errors
}

// Load reads a plan from path. Files ending in .yaml or .yml are YAML; all
// others are JSON.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return ParseJSON(path, data)
	}
}

// ParseYAML decodes a YAML plan. The document is converted to JSON and goes
// through the same validation as a JSON plan.
func ParseYAML(source string, data []byte) (*Plan, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", source, err)
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", source, err)
	}
	return ParseJSON(source, converted)
}

// ParseJSON decodes and validates a JSON plan.
func ParseJSON(source string, data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", source, err)
	}

	if errs := validateDocument(doc); len(errs) > 0 {
		return nil, &InvalidPlanError{Source: source, Errors: errs}
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", source, err)
	}
	if err := p.check(); err != nil {
		return nil, &InvalidPlanError{Source: source, Errors: []error{err}}
	}
	return &p, nil
}

// check covers rules the schema cannot express.
func (p *Plan) check() error {
	if p.Workers > 0 && len(p.Units) > 0 && p.Workers != len(p.Units) {
		return &ValidationError{
			Path: "workers",
			Err:  fmt.Errorf("%d workers but %d units listed", p.Workers, len(p.Units)),
		}
	}
	for i, u := range p.Units {
		if u.Delay != nil && u.DurationBound != 0 {
			return &ValidationError{
				Path: fmt.Sprintf("units[%d]", i),
				Err:  errors.New("delay and duration_bound are mutually exclusive"),
			}
		}
	}
	return nil
}

// Defaults fill in whatever a plan leaves unset.
type Defaults struct {
	SuccessProbability float64
	DurationBound      time.Duration
	Seed               uint64
}

// Size returns the number of units the plan describes.
func (p *Plan) Size() int {
	if len(p.Units) > 0 {
		return len(p.Units)
	}
	return p.Workers
}

// WorkUnits expands the plan into units with 1-based indices. A batch seed,
// from the plan or from d, gives unit i the seed base+i unless the unit has
// its own.
func (p *Plan) WorkUnits(d Defaults) []task.WorkUnit {
	prob := d.SuccessProbability
	if p.SuccessProbability != nil {
		prob = *p.SuccessProbability
	}
	bound := d.DurationBound
	if p.DurationBound != 0 {
		bound = time.Duration(p.DurationBound)
	}
	base := d.Seed
	if p.Seed != 0 {
		base = p.Seed
	}

	units := make([]task.WorkUnit, p.Size())
	for i := range units {
		u := task.WorkUnit{
			Index:              i + 1,
			DurationBound:      bound,
			SuccessProbability: prob,
		}
		if base != 0 {
			u.Seed = base + uint64(i+1)
		}
		if i < len(p.Units) {
			spec := p.Units[i]
			if spec.SuccessProbability != nil {
				u.SuccessProbability = *spec.SuccessProbability
			}
			if spec.DurationBound != 0 {
				u.DurationBound = time.Duration(spec.DurationBound)
			}
			if spec.Delay != nil {
				delay := time.Duration(*spec.Delay)
				u.Delay = &delay
			}
			if spec.Seed != 0 {
				u.Seed = spec.Seed
			}
			u.Force = spec.Outcome
		}
		units[i] = u
	}
	return units
}

var loadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaSource)); err != nil {
		return nil, fmt.Errorf("load plan schema: %w", err)
	}
	s, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return s, nil
})

func validateDocument(doc any) []error {
	s, err := loadSchema()
	if err != nil {
		return []error{err}
	}
	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []error{err}
	}
	var errs []error
	collectSchemaErrors(&errs, ve)
	return errs
}

func collectSchemaErrors(errs *[]error, err *jsonschema.ValidationError) {
	if len(err.Causes) == 0 {
		*errs = append(*errs, &ValidationError{
			Path: jsonPointerToPath(err.InstanceLocation),
			Err:  errors.New(err.Message),
		})
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(errs, cause)
	}
}

// jsonPointerToPath turns /units/2/delay into units[2].delay.
func jsonPointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "#")
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}

	var b strings.Builder
	for _, part := range strings.Split(ptr, "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		if part == "" {
			continue
		}
		if idx, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%d]", idx)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}
