package fdt

import (
	"fmt"
	"maps"
	"slices"
)

// Build serializes root into a version 17 blob. Properties are emitted in
// name order so the output is deterministic.
func Build(root Node) ([]byte, error) {
	b := NewBuilder()
	if err := emitNode(b, root); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func emitNode(b *Builder, n Node) error {
	b.BeginNode(n.Name)

	for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
		if err := emitProperty(b, name, n.Properties[name]); err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
	}

	for _, child := range n.Children {
		if err := emitNode(b, child); err != nil {
			return err
		}
	}

	b.EndNode()
	return nil
}

func emitProperty(b *Builder, name string, prop Property) error {
	switch ks := prop.kinds(); len(ks) {
	case 0:
		return fmt.Errorf("fdt property %q has no values", name)
	case 1:
	default:
		return fmt.Errorf("fdt property %q mixes %v", name, ks)
	}
	switch prop.Kind() {
	case KindStrings:
		b.AddPropertyStringList(name, prop.Strings)
	case KindU32:
		b.AddPropertyU32Array(name, prop.U32)
	case KindU64:
		b.AddPropertyU64Array(name, prop.U64)
	case KindBytes:
		b.AddPropertyBytes(name, prop.Bytes)
	case KindFlag:
		b.AddPropertyEmpty(name)
	}
	return nil
}
