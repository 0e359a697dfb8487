// Package definition decodes the immutable brick instance definition a
// runner is started with.
package definition

import (
	"fmt"
	"os"

	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/mapping"
	"gopkg.in/yaml.v3"
)

// Instance is one brick instance inside a flow.
type Instance struct {
	ID         string         `yaml:"id" json:"id"`
	FlowID     string         `yaml:"flow_id" json:"flow_id"`
	Brick      Brick          `yaml:"brick" json:"brick"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
	Runtime    Runtime        `yaml:"runtime" json:"runtime"`

	// Connections lists the downstream instances consuming each output port.
	Connections []Connection `yaml:"connections" json:"connections"`
}

// Brick names the transform and declares its ports.
type Brick struct {
	Name    string   `yaml:"name" json:"name"`
	Inputs  []string `yaml:"inputs" json:"inputs"`
	Outputs []string `yaml:"outputs" json:"outputs"`
}

// Runtime carries per-instance runtime parameters. Zero values fall back to
// the runner configuration.
type Runtime struct {
	MaxIdleSeconds        *float64 `yaml:"max_idle_seconds" json:"max_idle_seconds"`
	AutoscaleQueueLevel   *int     `yaml:"autoscale_queue_level" json:"autoscale_queue_level"`
	AutoscaleMaxInstances *int     `yaml:"autoscale_max_instances" json:"autoscale_max_instances"`
}

// Connection binds an output port to one downstream instance.
type Connection struct {
	Port             string               `yaml:"port" json:"port"`
	TargetInstanceID string               `yaml:"target_instance_id" json:"target_instance_id"`
	TargetPort       string               `yaml:"target_port" json:"target_port"`
	Mapping          []mapping.Rule       `yaml:"mapping" json:"mapping"`
	BufferUpdates    []mapping.BufferRule `yaml:"buffer_updates" json:"buffer_updates"`
}

// IsInlet reports whether the brick declares no inputs.
func (i *Instance) IsInlet() bool { return len(i.Brick.Inputs) == 0 }

// IsOutlet reports whether the brick declares no outputs.
func (i *Instance) IsOutlet() bool { return len(i.Brick.Outputs) == 0 }

// DefaultOutput returns the first declared output port, or "".
func (i *Instance) DefaultOutput() string {
	if len(i.Brick.Outputs) == 0 {
		return ""
	}
	return i.Brick.Outputs[0]
}

// HasOutput reports whether port is a declared output.
func (i *Instance) HasOutput(port string) bool {
	for _, p := range i.Brick.Outputs {
		if p == port {
			return true
		}
	}
	return false
}

// Validate checks structural consistency.
func (i *Instance) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("instance id is empty: %w", sdkerrors.ErrInvalidDefinition)
	}
	if i.FlowID == "" {
		return fmt.Errorf("flow id is empty: %w", sdkerrors.ErrInvalidDefinition)
	}
	if i.Brick.Name == "" {
		return fmt.Errorf("brick name is empty: %w", sdkerrors.ErrInvalidDefinition)
	}
	seen := make(map[string]bool, len(i.Brick.Outputs))
	for _, p := range i.Brick.Outputs {
		if seen[p] {
			return fmt.Errorf("duplicate output port %q: %w", p, sdkerrors.ErrInvalidDefinition)
		}
		seen[p] = true
	}
	for _, c := range i.Connections {
		if !seen[c.Port] {
			return fmt.Errorf("connection on undeclared port %q: %w", c.Port, sdkerrors.ErrInvalidDefinition)
		}
		if c.TargetInstanceID == "" {
			return fmt.Errorf("connection on port %q has no target: %w", c.Port, sdkerrors.ErrInvalidDefinition)
		}
	}
	return nil
}

// Parse decodes a YAML or JSON definition.
func Parse(data []byte) (*Instance, error) {
	var inst Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w: %v", sdkerrors.ErrInvalidDefinition, err)
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Load reads and decodes a definition file.
func Load(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}
	return Parse(data)
}
