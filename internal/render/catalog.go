// Package render expands templateId + templateVariables into message bodies
// just before an attempt, so the stored row keeps the raw variables.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"sync"
	texttemplate "text/template"
)

var ErrUnknownTemplate = errors.New("unknown template")

// Source is the raw text of one template. Empty parts are skipped at render.
type Source struct {
	Subject string
	Text    string
	HTML    string
}

type compiled struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// Output holds the rendered parts. Nil means the template had no such part.
type Output struct {
	Subject *string
	Text    *string
	HTML    *string
}

// Catalog is a concurrency-safe set of named templates.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*compiled
}

func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]*compiled)}
}

// Register parses src under id, replacing any earlier template with that id.
// Missing variables are render errors, not "<no value>".
func (c *Catalog) Register(id string, src Source) error {
	var t compiled
	var err error

	if src.Subject != "" {
		if t.subject, err = texttemplate.New(id + ".subject").Option("missingkey=error").Parse(src.Subject); err != nil {
			return fmt.Errorf("parse %s subject: %w", id, err)
		}
	}
	if src.Text != "" {
		if t.text, err = texttemplate.New(id + ".text").Option("missingkey=error").Parse(src.Text); err != nil {
			return fmt.Errorf("parse %s text: %w", id, err)
		}
	}
	if src.HTML != "" {
		if t.html, err = htmltemplate.New(id + ".html").Option("missingkey=error").Parse(src.HTML); err != nil {
			return fmt.Errorf("parse %s html: %w", id, err)
		}
	}

	c.mu.Lock()
	c.templates[id] = &t
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.templates[id]
	return ok
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.templates))
	for id := range c.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Render executes every part of template id against vars.
func (c *Catalog) Render(id string, vars map[string]string) (*Output, error) {
	c.mu.RLock()
	t, ok := c.templates[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}

	if vars == nil {
		vars = map[string]string{}
	}

	var out Output
	var err error
	if t.subject != nil {
		if out.Subject, err = execText(t.subject, vars); err != nil {
			return nil, err
		}
	}
	if t.text != nil {
		if out.Text, err = execText(t.text, vars); err != nil {
			return nil, err
		}
	}
	if t.html != nil {
		var buf bytes.Buffer
		if err := t.html.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		s := buf.String()
		out.HTML = &s
	}
	return &out, nil
}

func execText(t *texttemplate.Template, vars map[string]string) (*string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	s := buf.String()
	return &s, nil
}

// DefaultCatalog holds the templates operators can reference out of the box.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for id, src := range builtin {
		if err := c.Register(id, src); err != nil {
			panic(err)
		}
	}
	return c
}

var builtin = map[string]Source{
	"signal_alert": {
		Subject: "{{.direction}} {{.symbol}} @ {{.price}}",
		Text:    "{{.direction}} signal on {{.symbol}} at {{.price}}.",
		HTML:    "<p><strong>{{.direction}} {{.symbol}}</strong> at {{.price}}</p>",
	},
	"price_target_hit": {
		Subject: "{{.symbol}} reached {{.target}}",
		Text:    "{{.symbol}} hit your target of {{.target}}.",
		HTML:    "<p>{{.symbol}} hit your target of <strong>{{.target}}</strong>.</p>",
	},
	"stop_loss_hit": {
		Subject: "{{.symbol}} stopped out at {{.price}}",
		Text:    "{{.symbol}} stop loss triggered at {{.price}}.",
		HTML:    "<p>{{.symbol}} stop loss triggered at <strong>{{.price}}</strong>.</p>",
	},
}
