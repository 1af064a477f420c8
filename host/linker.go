package host

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/caffeineduck/harbor/fault"
)

// ErrFrozen is returned when defining a binding on a frozen linker.
var ErrFrozen = errors.New("linker is frozen")

// Func dispatches one operation. args is the raw JSON argument document; the
// result is JSON encoded into the guest's response envelope.
type Func func(ctx context.Context, args []byte) (any, error)

// Binding maps one interface operation to a backend's dispatch closure.
type Binding struct {
	Interface string
	Operation string
	Backend   string
	Func      Func
}

type bindingKey struct {
	iface, op string
}

// Linker accumulates bindings at startup. Once frozen it is read-only and
// safe for concurrent lookups from any number of instances.
type Linker struct {
	mu       sync.RWMutex
	bindings map[bindingKey]Binding
	frozen   bool
}

func NewLinker() *Linker {
	return &Linker{bindings: make(map[bindingKey]Binding)}
}

// Define adds a binding. A second binding for the same interface operation
// is a configuration error.
func (l *Linker) Define(b Binding) error {
	return l.DefineAll(b)
}

// DefineAll adds every binding or, if any of them fails, none of them.
func (l *Linker) DefineAll(bs ...Binding) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return ErrFrozen
	}
	seen := make(map[bindingKey]string, len(bs))
	for _, b := range bs {
		if b.Func == nil {
			return fault.Configuration(b.Backend, "binding %s.%s has no function", b.Interface, b.Operation)
		}
		k := bindingKey{b.Interface, b.Operation}
		prev, ok := seen[k]
		if !ok {
			if pb, bound := l.bindings[k]; bound {
				prev, ok = pb.Backend, true
			}
		}
		if ok {
			return fault.Configuration(b.Backend,
				"interface %s operation %s already bound by backend %q", b.Interface, b.Operation, prev)
		}
		seen[k] = b.Backend
	}
	for _, b := range bs {
		l.bindings[bindingKey{b.Interface, b.Operation}] = b
	}
	return nil
}

// Freeze makes the linker read-only. It is idempotent.
func (l *Linker) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

func (l *Linker) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

func (l *Linker) Lookup(iface, op string) (Binding, bool) {
	l.mu.RLock()
	b, ok := l.bindings[bindingKey{iface, op}]
	l.mu.RUnlock()
	return b, ok
}

// Provides reports whether every operation of iface is bound.
func (l *Linker) Provides(iface Interface) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, op := range iface.Operations {
		if _, ok := l.bindings[bindingKey{iface.Name, op}]; !ok {
			return false
		}
	}
	return true
}

// Interfaces returns the interfaces with at least one binding, sorted by name.
func (l *Linker) Interfaces() []Interface {
	l.mu.RLock()
	seen := make(map[string]bool)
	for k := range l.bindings {
		seen[k.iface] = true
	}
	l.mu.RUnlock()

	out := make([]Interface, 0, len(seen))
	for name := range seen {
		if i, ok := Lookup(name); ok {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Bindings lists every binding sorted by interface and operation.
func (l *Linker) Bindings() []Binding {
	l.mu.RLock()
	out := make([]Binding, 0, len(l.bindings))
	for _, b := range l.bindings {
		out = append(out, b)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Interface != out[b].Interface {
			return out[a].Interface < out[b].Interface
		}
		return out[a].Operation < out[b].Operation
	})
	return out
}
