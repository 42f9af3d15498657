package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"idremap/internal/identity"
)

var ErrUnknownEntryPoint = errors.New("intercept: unknown entry point")

// Impl serves one entry point.
type Impl func(ctx context.Context) (string, error)

// Source is the original, unredirected implementation of every entry point.
type Source interface {
	Call(ctx context.Context, ep EntryPoint) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, ep EntryPoint) (string, error)

func (f SourceFunc) Call(ctx context.Context, ep EntryPoint) (string, error) { return f(ctx, ep) }

// AttributeSource serves every entry point from a per-kind attribute
// accessor, such as snapshot.ProcessContext.Attribute.
func AttributeSource(attr func(ctx context.Context, k identity.Kind) (string, error)) Source {
	return SourceFunc(func(ctx context.Context, ep EntryPoint) (string, error) {
		k, ok := KindOf(ep)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownEntryPoint, ep)
		}
		return attr(ctx, k)
	})
}

// Table is the in-process dispatch table. The set of entry points is fixed
// at construction; the implementation behind each one swaps atomically.
type Table struct {
	original Source
	slots    map[EntryPoint]*atomic.Pointer[Impl]
}

// NewTable creates a table for the cataloged entry points, each initially
// served by original.
func NewTable(original Source) *Table {
	if original == nil {
		original = SourceFunc(func(context.Context, EntryPoint) (string, error) {
			return "", identity.ErrUnavailable
		})
	}
	t := &Table{original: original, slots: make(map[EntryPoint]*atomic.Pointer[Impl], len(kindOf))}
	for ep := range kindOf {
		t.slots[ep] = new(atomic.Pointer[Impl])
	}
	return t
}

// Call runs the implementation currently installed for ep.
func (t *Table) Call(ctx context.Context, ep EntryPoint) (string, error) {
	slot, ok := t.slots[ep]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntryPoint, ep)
	}
	if fn := slot.Load(); fn != nil {
		return (*fn)(ctx)
	}
	return t.original.Call(ctx, ep)
}

// Original bypasses any installed redirect.
func (t *Table) Original(ctx context.Context, ep EntryPoint) (string, error) {
	if _, ok := t.slots[ep]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntryPoint, ep)
	}
	return t.original.Call(ctx, ep)
}

// Redirected reports whether ep currently has a redirect installed.
func (t *Table) Redirected(ep EntryPoint) bool {
	slot, ok := t.slots[ep]
	return ok && slot.Load() != nil
}

func (t *Table) install(ep EntryPoint, fn Impl) error {
	slot, ok := t.slots[ep]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntryPoint, ep)
	}
	slot.Store(&fn)
	return nil
}

func (t *Table) restore(ep EntryPoint) error {
	slot, ok := t.slots[ep]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntryPoint, ep)
	}
	slot.Store(nil)
	return nil
}
