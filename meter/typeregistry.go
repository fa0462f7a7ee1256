// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// ProcessorFactory builds a processor for a node configuration.
type ProcessorFactory func(config *NodeConfig) Processor

// TypePlugin binds an internal node type to its processor factory. Adding a
// new internal type is one registry entry plus one processor implementation.
type TypePlugin struct {
	Type         NodeType
	NewProcessor ProcessorFactory
}

// TypeRegistry maps internal node types to their processors. Registries are
// explicit objects assembled at startup rather than package-level state, so
// tests stay parallel-safe.
type TypeRegistry struct {
	plugins map[NodeType]TypePlugin
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{plugins: make(map[NodeType]TypePlugin)}
}

// DefaultTypeRegistry returns a registry with the four built-in internal
// types registered.
func DefaultTypeRegistry() *TypeRegistry {
	r := NewTypeRegistry()
	r.Register(TypePlugin{Type: TypeBool, NewProcessor: NewBoolProcessor})
	r.Register(TypePlugin{Type: TypeString, NewProcessor: NewStringProcessor})
	r.Register(TypePlugin{Type: TypeInt, NewProcessor: NewIntProcessor})
	r.Register(TypePlugin{Type: TypeFloat, NewProcessor: NewFloatProcessor})
	return r
}

// Register adds or replaces a type plugin.
func (r *TypeRegistry) Register(plugin TypePlugin) {
	r.plugins[plugin.Type] = plugin
}

// Plugin returns the plugin for the given type.
func (r *TypeRegistry) Plugin(t NodeType) (TypePlugin, error) {
	plugin, ok := r.plugins[t]
	if !ok {
		return TypePlugin{}, fmt.Errorf("node type %q: %w", t, gerrors.ErrUnimplemented)
	}
	return plugin, nil
}
