package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer performs strict variable substitution. Every {{key}} the
// template references must resolve to a non-empty value or the render
// fails; a half-personalised email is worse than no email.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template text -> *liquid.Template
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// linkAliases are normalised into the context before validation so a
// template may use either spelling.
var linkAliases = [][2]string{
	{"payment_link", "payments_link"},
	{"forms_link", "form_link"},
}

// Render substitutes ctx into tmpl. Unresolved or empty variables fail
// with an error naming every offender.
func (r *Renderer) Render(tmpl string, ctx map[string]string) (string, error) {
	resolved := normalizeAliases(ctx)

	var missing []string
	for _, m := range varPattern.FindAllStringSubmatch(tmpl, -1) {
		name := m[1]
		if v, ok := resolved[name]; !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		missing = dedupe(missing)
		return "", fmt.Errorf("template has unresolved variables: %s", strings.Join(missing, ", "))
	}

	bindings := make(map[string]interface{}, len(resolved))
	for k, v := range resolved {
		bindings[k] = v
	}

	tpl, err := r.parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(tmpl string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(tmpl); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(tmpl)
	if err != nil {
		return nil, err
	}
	r.cache.Store(tmpl, tpl)
	return tpl, nil
}

// normalizeAliases returns a copy of ctx with each alias pair mirrored:
// if one spelling carries a value and the other is absent or empty, the
// value is copied across.
func normalizeAliases(ctx map[string]string) map[string]string {
	out := make(map[string]string, len(ctx)+2)
	for k, v := range ctx {
		out[k] = v
	}
	for _, pair := range linkAliases {
		a, b := pair[0], pair[1]
		if strings.TrimSpace(out[a]) == "" && strings.TrimSpace(out[b]) != "" {
			out[a] = out[b]
		}
		if strings.TrimSpace(out[b]) == "" && strings.TrimSpace(out[a]) != "" {
			out[b] = out[a]
		}
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
