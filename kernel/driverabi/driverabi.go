// Package driverabi supports the VMM's "relocatable" mapping kind
// (spec.md §4.5): a driver image's relocation table, a symbol resolver
// the link-time fixup pass consults, and a semver-gated ABI compatibility
// check run before a driver image is ever mapped.
package driverabi

import (
	"github.com/Masterminds/semver/v3"

	"corekernel/kernel"
)

// RelocKind selects how a relocation entry patches its target location.
type RelocKind int

const (
	// RelocAbsolute writes the resolved symbol's absolute address.
	RelocAbsolute RelocKind = iota
	// RelocRelative writes the resolved symbol's address relative to the
	// relocation site.
	RelocRelative
)

// Reloc is one entry in a driver image's relocation table: patch Offset
// bytes into the image with the address of Symbol, per Kind.
type Reloc struct {
	Offset uintptr
	Symbol string
	Kind   RelocKind
}

// SymbolResolver looks up exported kernel symbols by name for a driver's
// relocations to bind against.
type SymbolResolver interface {
	Resolve(name string) (uintptr, bool)
}

// Image describes a relocatable driver image pending load.
type Image struct {
	Name       string
	ABIVersion string
	Relocs     []Reloc
}

// CompatibilityGate is the ABI version range the kernel accepts from a
// driver image, expressed as a semver constraint (e.g. "^1.2.0").
type CompatibilityGate struct {
	constraint *semver.Constraints
}

// NewCompatibilityGate parses constraint into a gate. A malformed
// constraint string is a build-time configuration error.
func NewCompatibilityGate(constraint string) (*CompatibilityGate, *kernel.Error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, kernel.ErrInvalid.WithMessage("driverabi", "malformed ABI constraint: "+err.Error())
	}
	return &CompatibilityGate{constraint: c}, nil
}

// Check reports whether img's ABIVersion satisfies the gate's constraint.
func (g *CompatibilityGate) Check(img *Image) *kernel.Error {
	v, err := semver.NewVersion(img.ABIVersion)
	if err != nil {
		return kernel.ErrInvalid.WithMessage("driverabi", "malformed driver ABI version: "+err.Error())
	}
	if !g.constraint.Check(v) {
		return kernel.ErrInvalid.WithMessage("driverabi", "driver ABI version "+img.ABIVersion+" is not compatible")
	}
	return nil
}

// ApplyRelocations resolves and patches every relocation in img against
// resolver, calling patch(offset, value, kind) for each one so the VMM's
// fault handler can write the resolved value into the page it just
// brought in without driverabi needing direct memory access.
func ApplyRelocations(img *Image, resolver SymbolResolver, patch func(offset uintptr, value uintptr, kind RelocKind)) *kernel.Error {
	for _, r := range img.Relocs {
		addr, ok := resolver.Resolve(r.Symbol)
		if !ok {
			return kernel.ErrInvalid.WithMessage("driverabi", "unresolved symbol: "+r.Symbol)
		}
		patch(r.Offset, addr, r.Kind)
	}
	return nil
}
