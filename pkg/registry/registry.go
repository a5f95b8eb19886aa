// Package registry maps node type names to executor factories.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/nodes/expression"
	"github.com/marc45/rule-engine/pkg/nodes/script"
	"github.com/marc45/rule-engine/pkg/nodes/text"
)

// ErrUnknownType is returned for a node type nobody registered.
var ErrUnknownType = errors.New("unknown node type")

// Constructor returns a fresh factory for one node.
type Constructor func(logger *zap.Logger) node.ExecutorFactory

// Registry holds the known node types.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	types map[string]Constructor
}

// New creates an empty registry. Factories get logger scoped to their node.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, types: make(map[string]Constructor)}
}

// Default returns a registry with the built-in node types.
func Default(logger *zap.Logger) *Registry {
	r := New(logger)
	r.MustRegister(script.Type, func(logger *zap.Logger) node.ExecutorFactory {
		return script.NewFactory(logger)
	})
	r.MustRegister(expression.Type, func(*zap.Logger) node.ExecutorFactory {
		return expression.NewFactory()
	})
	r.MustRegister(text.Type, func(*zap.Logger) node.ExecutorFactory {
		return text.NewFactory()
	})
	return r
}

// Register adds a node type.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" {
		return errors.New("node type name cannot be empty")
	}
	if ctor == nil {
		return errors.New("constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("node type %q already registered", name)
	}
	r.types[name] = ctor
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateNode validates cfg and builds a node of its type.
func (r *Registry) CreateNode(cfg *config.RuleNodeConfig, opts ...node.Option) (*node.Node, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	ctor, ok := r.types[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, node.NewConfigurationError(cfg.ID, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type))
	}

	return node.New(cfg, ctor(r.logger.With(zap.String("nodeId", cfg.ID))), opts...)
}
