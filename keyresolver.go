package gcoord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// ExpressionEvaluator renders a parameterized key against call-context
// variables. Implementations must be safe for concurrent use.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expr string, vars map[string]any) (string, error)
}

// TemplateEvaluator evaluates Go templates ("order-{{.id}}") and single
// variable references ("#id"). Parsed templates are cached by their text.
type TemplateEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewTemplateEvaluator returns an empty TemplateEvaluator.
func NewTemplateEvaluator() *TemplateEvaluator {
	return &TemplateEvaluator{cache: make(map[string]*template.Template)}
}

// Evaluate renders expr. Missing variables are errors.
func (e *TemplateEvaluator) Evaluate(_ context.Context, expr string, vars map[string]any) (string, error) {
	if name, ok := strings.CutPrefix(expr, "#"); ok && isIdent(name) {
		v, found := vars[name]
		if !found || v == nil {
			return "", fmt.Errorf("variable %q is not set", name)
		}

		return fmt.Sprint(v), nil
	}

	if !strings.Contains(expr, "{{") {
		return expr, nil
	}

	tmpl, err := e.parse(expr)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}

	return sb.String(), nil
}

func (e *TemplateEvaluator) parse(expr string) (*template.Template, error) {
	e.mu.RLock()
	tmpl, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("key").Option("missingkey=error").Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = tmpl
	e.mu.Unlock()

	return tmpl, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}

	return true
}

// KeyResolver builds physical keys of the form scene + separator + subkey.
type KeyResolver struct {
	separator   string
	expressions ExpressionEvaluator
}

// NewKeyResolver returns a resolver joining with sep. A nil evaluator selects
// a TemplateEvaluator.
func NewKeyResolver(sep string, expressions ExpressionEvaluator) *KeyResolver {
	if expressions == nil {
		expressions = NewTemplateEvaluator()
	}

	return &KeyResolver{separator: sep, expressions: expressions}
}

// Resolve returns the physical key for scene and template. An empty scene,
// an empty resolved subkey or a failing expression is an ErrConfiguration.
func (r *KeyResolver) Resolve(ctx context.Context, scene, tmpl string, vars map[string]any) (string, error) {
	if strings.TrimSpace(scene) == "" {
		return "", fmt.Errorf("%w: empty scene", ErrConfiguration)
	}

	if strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("%w: empty key in scene %q", ErrConfiguration, scene)
	}

	sub, err := r.expressions.Evaluate(ctx, tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("%w: evaluate key %q: %w", ErrConfiguration, tmpl, err)
	}

	if strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: key %q resolved to an empty value", ErrConfiguration, tmpl)
	}

	return scene + r.separator + sub, nil
}

// Join concatenates already resolved parts with the separator.
func (r *KeyResolver) Join(parts ...string) string {
	return strings.Join(parts, r.separator)
}
