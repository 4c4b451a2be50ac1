package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// renderer turns assistant markdown and query text into HTML. Raw HTML in the source is dropped.
type renderer struct {
	md goldmark.Markdown
}

func newRenderer() renderer {
	return renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

func (r renderer) markdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// code renders text as a highlighted block of the given language.
func (r renderer) code(lang, text string) (template.HTML, error) {
	fence := "````"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	return r.markdown(fence + lang + "\n" + text + "\n" + fence + "\n")
}

// queryLanguage maps a database type to the highlighter language of its queries.
func queryLanguage(dbType string) string {
	switch strings.ToLower(dbType) {
	case "mongodb":
		return "javascript"
	case "mysql":
		return "mysql"
	case "postgresql", "postgres", "yugabytedb", "timescaledb":
		return "postgresql"
	default:
		return "sql"
	}
}
