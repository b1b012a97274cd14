// Package templates renders the viewer page and the HTML fragments patched
// into it over Datastar SSE.
package templates

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"os"
	"sync"
)

//go:embed html/*.html
var embedded embed.FS

var funcMap = template.FuncMap{
	// dict builds a map from key-value pairs for nested templates.
	"dict": func(values ...any) map[string]any {
		if len(values)%2 != 0 {
			return nil
		}
		m := make(map[string]any, len(values)/2)
		for i := 0; i < len(values); i += 2 {
			key, ok := values[i].(string)
			if !ok {
				continue
			}
			m[key] = values[i+1]
		}
		return m
	},
}

// Renderer holds the parsed templates.
type Renderer struct {
	mu        sync.RWMutex
	templates *template.Template
	dir       string
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	tmpl, err := parse(embedded, "html/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: tmpl}, nil
}

// NewDir parses the templates in dir instead, for editing them without a
// rebuild. See Reload.
func NewDir(dir string) (*Renderer, error) {
	tmpl, err := parse(os.DirFS(dir), "*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: tmpl, dir: dir}, nil
}

func parse(fsys fs.FS, pattern string) (*template.Template, error) {
	return template.New("").Funcs(funcMap).ParseFS(fsys, pattern)
}

// Render renders a named template to a string.
func (r *Renderer) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.RenderToBuffer(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderToBuffer renders a named template to buf.
func (r *Renderer) RenderToBuffer(buf *bytes.Buffer, name string, data any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates.ExecuteTemplate(buf, name, data)
}

// MustRender renders a template and panics on error.
func (r *Renderer) MustRender(name string, data any) string {
	s, err := r.Render(name, data)
	if err != nil {
		panic(err)
	}
	return s
}

// Reload re-reads the templates of a renderer made by NewDir. It is a no-op
// for the embedded set.
func (r *Renderer) Reload() error {
	if r.dir == "" {
		return nil
	}
	tmpl, err := parse(os.DirFS(r.dir), "*.html")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = tmpl
	r.mu.Unlock()
	return nil
}
