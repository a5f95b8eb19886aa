// Package nodes holds helpers shared by the built-in node types.
package nodes

import (
	"fmt"

	"github.com/marc45/rule-engine/pkg/node"
)

// Decoder is implemented by configurations carrying type specific settings.
type Decoder interface {
	Decode(target any) error
}

// Decode fills target from cfg.
func Decode(cfg node.Config, target any) error {
	d, ok := cfg.(Decoder)
	if !ok {
		return node.NewConfigurationError(ID(cfg), fmt.Errorf("config %T carries no settings", cfg))
	}
	return d.Decode(target)
}

// ID returns the node ID of cfg, or "" when it has none.
func ID(cfg node.Config) string {
	if named, ok := cfg.(interface{ NodeID() string }); ok {
		return named.NodeID()
	}
	return ""
}
