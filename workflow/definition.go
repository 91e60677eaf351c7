package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fabflow/types"
)

// FlowDefinition is the serialized form of a flow. Durations are in seconds.
type FlowDefinition struct {
	Name                string           `json:"name" yaml:"name" validate:"required"`
	Description         string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version             string           `json:"version,omitempty" yaml:"version,omitempty"`
	ExecutionMode       string           `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	MaxParallelSteps    int              `json:"maxParallelSteps,omitempty" yaml:"maxParallelSteps,omitempty" validate:"gte=0"`
	AllowPartialFailure bool             `json:"allowPartialFailure" yaml:"allowPartialFailure"`
	GlobalParameters    map[string]any   `json:"globalParameters,omitempty" yaml:"globalParameters,omitempty"`
	Steps               []StepDefinition `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// StepDefinition is the serialized form of a step.
type StepDefinition struct {
	ID                 string         `json:"id" yaml:"id" validate:"required"`
	ModuleName         string         `json:"moduleName" yaml:"moduleName" validate:"required"`
	Description        string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Outputs            []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	EstimatedDuration  float64        `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty" validate:"gte=0"`
	Priority           int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	ParallelCompatible bool           `json:"parallelCompatible" yaml:"parallelCompatible"`
	Timeout            float64        `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetries         int            `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty" validate:"gte=0"`
	Optional           bool           `json:"optional" yaml:"optional"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func definitionValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks required fields and then the dependency graph.
func (d *FlowDefinition) Validate() error {
	if err := definitionValidator().Struct(d); err != nil {
		return types.NewError(types.ErrValidation, "invalid flow definition").WithCause(err)
	}
	return d.ToFlow().Validate()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ToFlow converts the definition to a Flow without validating it.
func (d *FlowDefinition) ToFlow() *Flow {
	f := &Flow{
		Name:                d.Name,
		Version:             d.Version,
		Description:         d.Description,
		GlobalParameters:    d.GlobalParameters,
		ExecutionMode:       ParseExecutionMode(d.ExecutionMode),
		MaxParallelSteps:    d.MaxParallelSteps,
		AllowPartialFailure: d.AllowPartialFailure,
		Steps:               make([]Step, len(d.Steps)),
	}
	for i, s := range d.Steps {
		f.Steps[i] = Step{
			ID:                 s.ID,
			ModuleName:         s.ModuleName,
			Description:        s.Description,
			Parameters:         s.Parameters,
			Dependencies:       s.Dependencies,
			DeclaredOutputs:    s.Outputs,
			ParallelCompatible: s.ParallelCompatible,
			MaxRetries:         s.MaxRetries,
			Timeout:            seconds(s.Timeout),
			Optional:           s.Optional,
			EstimatedDuration:  seconds(s.EstimatedDuration),
			Priority:           s.Priority,
			Status:             StepPending,
		}
	}
	return f.Clone()
}

// DefinitionFromFlow converts a flow to its serialized form. Runtime fields
// are dropped.
func DefinitionFromFlow(f *Flow) *FlowDefinition {
	c := f.Clone()
	d := &FlowDefinition{
		Name:                c.Name,
		Description:         c.Description,
		Version:             c.Version,
		ExecutionMode:       string(ParseExecutionMode(string(c.ExecutionMode))),
		MaxParallelSteps:    c.MaxParallelSteps,
		AllowPartialFailure: c.AllowPartialFailure,
		GlobalParameters:    c.GlobalParameters,
		Steps:               make([]StepDefinition, len(c.Steps)),
	}
	for i, s := range c.Steps {
		d.Steps[i] = StepDefinition{
			ID:                 s.ID,
			ModuleName:         s.ModuleName,
			Description:        s.Description,
			Parameters:         s.Parameters,
			Dependencies:       s.Dependencies,
			Outputs:            s.DeclaredOutputs,
			EstimatedDuration:  s.EstimatedDuration.Seconds(),
			Priority:           s.Priority,
			ParallelCompatible: s.ParallelCompatible,
			Timeout:            s.Timeout.Seconds(),
			MaxRetries:         s.MaxRetries,
			Optional:           s.Optional,
		}
	}
	return d
}

// ParseFlowJSON decodes and validates a JSON flow definition.
func ParseFlowJSON(data []byte) (*Flow, error) {
	var d FlowDefinition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed JSON flow definition").WithCause(err)
	}
	return d.build()
}

// ParseFlowYAML decodes and validates a YAML flow definition.
func ParseFlowYAML(data []byte) (*Flow, error) {
	var d FlowDefinition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed YAML flow definition").WithCause(err)
	}
	return d.build()
}

func (d *FlowDefinition) build() (*Flow, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d.ToFlow(), nil
}

// ToJSON renders the definition as indented JSON.
func (d *FlowDefinition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

// ToYAML renders the definition as YAML.
func (d *FlowDefinition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFlowFile reads a flow definition; .yaml and .yml files are parsed as
// YAML, everything else as JSON.
func LoadFlowFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	if isYAML(path) {
		return ParseFlowYAML(data)
	}
	return ParseFlowJSON(data)
}

// SaveFlowFile writes flow to path in the format chosen by its extension.
func SaveFlowFile(flow *Flow, path string) error {
	d := DefinitionFromFlow(flow)
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = d.ToYAML()
	} else {
		data, err = d.ToJSON()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write flow file: %w", err)
	}
	return nil
}
