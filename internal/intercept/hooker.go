package intercept

import (
	"fmt"

	"idremap/internal/identity"
)

// ErrPermissionDenied is returned by a Hooker that may not redirect an
// entry point.
var ErrPermissionDenied = identity.ErrPermissionDenied

// Hooker installs and removes redirects.
type Hooker interface {
	Install(ep EntryPoint, fn Impl) error
	Remove(ep EntryPoint) error
}

// Policy decides whether an entry point may be redirected.
type Policy interface {
	Allow(ep EntryPoint, k identity.Kind) error
}

// DenyKinds refuses every entry point of the listed kinds.
type DenyKinds []identity.Kind

func (d DenyKinds) Allow(ep EntryPoint, k identity.Kind) error {
	for _, denied := range d {
		if denied == k {
			return fmt.Errorf("%w: %s (%s)", ErrPermissionDenied, ep, k)
		}
	}
	return nil
}

// DenyEntryPoints refuses the listed entry points only.
type DenyEntryPoints []EntryPoint

func (d DenyEntryPoints) Allow(ep EntryPoint, _ identity.Kind) error {
	for _, denied := range d {
		if denied == ep {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, ep)
		}
	}
	return nil
}

// TableHooker redirects entry points of a Table, subject to an optional
// Policy.
type TableHooker struct {
	Table  *Table
	Policy Policy
}

func (h *TableHooker) Install(ep EntryPoint, fn Impl) error {
	if h.Policy != nil {
		k, _ := KindOf(ep)
		if err := h.Policy.Allow(ep, k); err != nil {
			return err
		}
	}
	return h.Table.install(ep, fn)
}

func (h *TableHooker) Remove(ep EntryPoint) error {
	return h.Table.restore(ep)
}
