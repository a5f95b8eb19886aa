// Package config holds node configuration and the runtime configuration file.
package config

import (
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Mode selects what a node publishes.
type Mode string

const (
	// ModeMap publishes the values produced by the node.
	ModeMap Mode = "map"
	// ModePeek republishes the input item and ignores the produced values.
	ModePeek Mode = "peek"
)

// RuleNodeConfig is the configuration of one rule node.
type RuleNodeConfig struct {
	ID            string         `yaml:"id" json:"id" validate:"required"`
	Name          string         `yaml:"name,omitempty" json:"name,omitempty"`
	Type          string         `yaml:"type" json:"type" validate:"required"`
	Mode          Mode           `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=map peek"`
	Configuration map[string]any `yaml:"configuration,omitempty" json:"configuration,omitempty"`
}

var _ node.Config = (*RuleNodeConfig)(nil)

// Validate checks the generic fields. Type specific settings are checked by
// Decode when the node type builds its executor.
func (c *RuleNodeConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return node.NewConfigurationError(c.ID, err)
	}
	return nil
}

// ReturnsNewValue reports whether the node runs in map mode.
func (c *RuleNodeConfig) ReturnsNewValue() bool {
	return c.Mode == ModeMap
}

// NodeID returns the node ID.
func (c *RuleNodeConfig) NodeID() string {
	return c.ID
}

// AsMap returns a detached map view of the configuration.
func (c *RuleNodeConfig) AsMap() map[string]any {
	m := map[string]any{
		"id":   c.ID,
		"type": c.Type,
		"mode": string(c.Mode),
	}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if c.Configuration != nil {
		m["configuration"] = ruledata.Clone(c.Configuration)
	}
	return m
}

// Decode fills target from the type specific configuration: defaults first,
// then the configured values, then validation of the result.
func (c *RuleNodeConfig) Decode(target any) error {
	if err := applyDefaults(target); err != nil {
		return node.NewConfigurationError(c.ID, err)
	}
	if len(c.Configuration) > 0 {
		if err := decodeMap(c.Configuration, target); err != nil {
			return node.NewConfigurationError(c.ID, err)
		}
	}
	if err := validateStruct(target); err != nil {
		return node.NewConfigurationError(c.ID, err)
	}
	return nil
}
