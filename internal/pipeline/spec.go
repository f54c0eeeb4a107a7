package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepSpec is the serialized form of a step. Only the fields of its Op are
// meaningful.
type StepSpec struct {
	Op            string  `yaml:"op" json:"op"`
	Column        string  `yaml:"column,omitempty" json:"column,omitempty"`
	Direction     string  `yaml:"direction,omitempty" json:"direction,omitempty"`
	Backfill      bool    `yaml:"backfill,omitempty" json:"backfill,omitempty"`
	Value         string  `yaml:"value,omitempty" json:"value,omitempty"`
	Epsilon       float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Lower         *string `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper         *string `yaml:"upper,omitempty" json:"upper,omitempty"`
	Descending    bool    `yaml:"descending,omitempty" json:"descending,omitempty"`
	NullsGreatest bool    `yaml:"nulls_greatest,omitempty" json:"nullsGreatest,omitempty"`
	Factor        int     `yaml:"factor,omitempty" json:"factor,omitempty"`
}

// Spec is a saved pipeline.
type Spec struct {
	Name  string     `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// Builder turns a StepSpec into a Step.
type Builder func(StepSpec) (Step, error)

// Registry maps step ops to builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns a registry holding the built-in steps.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register("fill", func(s StepSpec) (Step, error) {
		dir, err := ParseDirection(s.Direction)
		if err != nil {
			return nil, err
		}
		return Fill{Column: s.Column, Direction: dir, Backfill: s.Backfill}, nil
	})
	r.Register("select", func(s StepSpec) (Step, error) {
		if s.Column == "" {
			return nil, fmt.Errorf("select needs a column")
		}
		if s.Epsilon < 0 {
			return nil, fmt.Errorf("negative epsilon %g", s.Epsilon)
		}
		return Select{Column: s.Column, Value: s.Value, Epsilon: s.Epsilon}, nil
	})
	r.Register("within", func(s StepSpec) (Step, error) {
		if s.Column == "" {
			return nil, fmt.Errorf("within needs a column")
		}
		return Within{Column: s.Column, Lower: s.Lower, Upper: s.Upper}, nil
	})
	r.Register("sort", func(s StepSpec) (Step, error) {
		return Sort{Column: s.Column, Descending: s.Descending, NullsGreatest: s.NullsGreatest}, nil
	})
	r.Register("decimate", func(s StepSpec) (Step, error) {
		if s.Factor < 1 {
			return nil, fmt.Errorf("decimate factor %d must be at least 1", s.Factor)
		}
		return Decimate{Factor: s.Factor}, nil
	})
	return r
}

func (r *Registry) Register(op string, b Builder) {
	r.builders[strings.ToLower(op)] = b
}

// Build converts every step of spec, failing on the first unknown op or
// invalid parameter.
func (r *Registry) Build(spec Spec) ([]Step, error) {
	steps := make([]Step, 0, len(spec.Steps))
	for i, s := range spec.Steps {
		b, ok := r.builders[strings.ToLower(s.Op)]
		if !ok {
			return nil, &FilterError{Step: i + 1, Op: s.Op, Msg: "unknown step", Err: ErrUnknownStep}
		}
		step, err := b(s)
		if err != nil {
			return nil, &FilterError{Step: i + 1, Op: s.Op, Column: s.Column, Msg: err.Error(), Err: ErrBadValue}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Describe returns the spec of steps.
func Describe(steps []Step) Spec {
	spec := Spec{Steps: make([]StepSpec, len(steps))}
	for i, s := range steps {
		spec.Steps[i] = s.Spec()
	}
	return spec
}

// ParseSpec reads a pipeline in YAML, or JSON when isJSON is set.
func ParseSpec(data []byte, isJSON bool) (Spec, error) {
	var spec Spec
	var err error
	if isJSON {
		err = json.Unmarshal(data, &spec)
	} else {
		err = yaml.Unmarshal(data, &spec)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("parse pipeline: %w", err)
	}
	return spec, nil
}

// LoadSpec reads a pipeline file; .json files are JSON, anything else YAML.
func LoadSpec(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	spec, err := ParseSpec(b, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// LoadFile reads a pipeline file and builds its steps with the built-in
// registry.
func LoadFile(path string) ([]Step, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry().Build(spec)
}
