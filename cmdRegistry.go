package simcmd_server

import (
	"context"
	"fmt"
	"sync"
)

type (
	// Handler runs on the owner goroutine with the arguments captured by
	// its pattern. ctx is owner-marked, so nested submissions run inline.
	Handler func(ctx context.Context, args []string) Result

	// Binding pairs a compiled pattern with its handler. Bindings are
	// immutable once registered.
	Binding struct {
		Pattern *Pattern
		Handler Handler
		Help    string
	}

	// cmdRegistry holds bindings in registration order. Resolution is
	// first-match-wins in that order; overlapping patterns are not an error.
	cmdRegistry struct {
		mu       sync.RWMutex
		bindings []*Binding
		byText   map[string]*Binding
	}
)

func newCmdRegistry() *cmdRegistry {
	return &cmdRegistry{
		byText: map[string]*Binding{},
	}
}

// Register compiles spec and binds it to h. Like a go-cmdline command spec,
// the text after the first unescaped '?' is help and not part of the pattern.
func (reg *cmdRegistry) Register(spec string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidPattern, spec)
	}

	text, help := splitHelp(spec)
	p, err := CompilePattern(text)
	if err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byText[text]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePattern, text)
	}

	b := &Binding{Pattern: p, Handler: h, Help: help}
	reg.bindings = append(reg.bindings, b)
	reg.byText[text] = b
	return nil
}

// Resolve finds the first binding, in registration order, whose pattern
// matches command in full.
func (reg *cmdRegistry) Resolve(command string) (b *Binding, args []string, err error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, candidate := range reg.bindings {
		if captured, matched := candidate.Pattern.Match(command); matched {
			return candidate, captured, nil
		}
	}

	err = fmt.Errorf("%w: %s", ErrNoMatch, command)
	return
}

// Bindings returns the bindings in registration order.
func (reg *cmdRegistry) Bindings() []*Binding {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	list := make([]*Binding, len(reg.bindings))
	copy(list, reg.bindings)
	return list
}

func splitHelp(spec string) (pattern, help string) {
	for pos := 0; pos < len(spec); pos++ {
		switch spec[pos] {
		case '\\':
			pos++
		case '?':
			return spec[:pos], spec[pos+1:]
		}
	}
	return spec, ""
}
