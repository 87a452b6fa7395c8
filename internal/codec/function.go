package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Func is a function-like value reduced to its source: a name, parameter
// names and body text. Captured variables do not survive serialization.
type Func struct {
	Name   string
	Params []string
	Body   string
}

// Source renders f as a block-bodied function declaration.
func (f Func) Source() string {
	return fmt.Sprintf("function %s(%s) {\n%s\n}", f.Name, strings.Join(f.Params, ", "), f.Body)
}

// Equal reports source-level equality.
func (f Func) Equal(other Func) bool {
	if f.Name != other.Name || strings.TrimSpace(f.Body) != strings.TrimSpace(other.Body) {
		return false
	}
	if len(f.Params) != len(other.Params) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != other.Params[i] {
			return false
		}
	}
	return true
}

var errNotFunction = errors.New("not a function source")

// ParseFunction extracts the parameter list and body of a function from its
// source text. Two shapes are recognised:
//
//   - block-bodied: `function name(a, b) { ... }`, `async function (a) {...}`,
//     `(a, b) => { ... }` and method shorthand `name(a) { ... }`; the text
//     between the outer braces becomes the body.
//   - expression-bodied: `(a, b) => a + b` or `a => a * 2`; the expression is
//     rewritten to an explicit `return <expr>;`.
func ParseFunction(src string) (Func, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return Func{}, fmt.Errorf("codec: parse function: %w", errNotFunction)
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "async "))

	if rest, ok := strings.CutPrefix(s, "function"); ok && rest != "" && strings.ContainsRune(" \t\n(*", rune(rest[0])) {
		return parseDeclaration(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "*")))
	}
	if arrow := findArrow(s); arrow >= 0 {
		return parseArrow(s[:arrow], s[arrow+2:])
	}
	// Method shorthand: name(params) { body }
	return parseDeclaration(s)
}

func parseDeclaration(s string) (Func, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return Func{}, fmt.Errorf("codec: parse function: missing parameter list: %w", errNotFunction)
	}
	closeIdx := matchParen(s, open)
	if closeIdx < 0 {
		return Func{}, fmt.Errorf("codec: parse function: unbalanced parameter list: %w", errNotFunction)
	}
	name := strings.TrimSpace(s[:open])
	params := splitParams(s[open+1 : closeIdx])

	body, err := blockBody(strings.TrimSpace(s[closeIdx+1:]))
	if err != nil {
		return Func{}, err
	}
	return Func{Name: name, Params: params, Body: body}, nil
}

func parseArrow(head, tail string) (Func, error) {
	head = strings.TrimSpace(head)
	var params []string
	if strings.HasPrefix(head, "(") {
		closeIdx := matchParen(head, 0)
		if closeIdx != len(head)-1 {
			return Func{}, fmt.Errorf("codec: parse arrow function: bad parameter list: %w", errNotFunction)
		}
		params = splitParams(head[1:closeIdx])
	} else {
		if head == "" || strings.ContainsAny(head, " \t(){}") {
			return Func{}, fmt.Errorf("codec: parse arrow function: bad parameter %q: %w", head, errNotFunction)
		}
		params = []string{head}
	}

	tail = strings.TrimSpace(tail)
	if strings.HasPrefix(tail, "{") {
		body, err := blockBody(tail)
		if err != nil {
			return Func{}, err
		}
		return Func{Params: params, Body: body}, nil
	}
	expr := strings.TrimSuffix(tail, ";")
	if strings.TrimSpace(expr) == "" {
		return Func{}, fmt.Errorf("codec: parse arrow function: empty expression: %w", errNotFunction)
	}
	return Func{Params: params, Body: "return " + strings.TrimSpace(expr) + ";"}, nil
}

func blockBody(s string) (string, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return "", fmt.Errorf("codec: parse function: missing block body: %w", errNotFunction)
	}
	return strings.TrimSpace(s[1 : len(s)-1]), nil
}

// findArrow returns the index of the top-level "=>" token, or -1.
func findArrow(s string) int {
	depth := 0
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth == 0 && s[i+1] == '>' {
				return i
			}
		}
	}
	return -1
}

func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitParams(s string) []string {
	params := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			params = append(params, p)
		}
	}
	return params
}

// Callable is the local implementation a Func name resolves to.
type Callable func(args ...any) (any, error)

// FuncRegistry maps function names to local implementations. The receiving
// side of a transport resolves Function values against it instead of
// compiling the transmitted body.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Callable
}

// NewFuncRegistry returns an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Callable)}
}

// Register binds name to fn, replacing any previous binding.
func (r *FuncRegistry) Register(name string, fn Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the implementation bound to name.
func (r *FuncRegistry) Lookup(name string) (Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
