package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"momon/internal/result"
	"momon/internal/util"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

var pageNames = []string{"landing", "create", "wait", "result", "error"}

type renderer struct {
	pages map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	r := &renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		tmpl, err := template.New(name).ParseFS(templatesFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		r.pages[name] = tmpl
	}
	return r, nil
}

// render buffers the page so a template error never leaves a half-written
// response behind.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	tmpl, ok := s.pages.pages[name]
	if !ok {
		util.LoggerFromContext(r.Context()).Error("unknown page", "page", name)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		util.LoggerFromContext(r.Context()).Error("render page", "page", name, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type createPage struct {
	Text     string
	Counter  string
	Error    string
	Draft    string
	Preview  template.URL
	MaxBytes int64
	MaxChars int
}

type waitPage struct {
	Message   string
	StatusURL string
}

type resultPage struct {
	Loaded bool
	State  result.State
}

type errorPage struct {
	Title   string
	Message string
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	s.render(w, r, status, "error", errorPage{Title: title, Message: message})
}
