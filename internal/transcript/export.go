// ABOUTME: Renders a thread transcript as Markdown or as a standalone HTML page
// ABOUTME: HTML goes through goldmark, which drops raw HTML from message content

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-threads/internal/store"
)

// Format selects an export rendering.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat maps a query value onto a Format. Empty means Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the HTTP content type for f.
func (f Format) ContentType() string {
	if f == FormatHTML {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

// Export is everything needed to render one thread.
type Export struct {
	Thread   store.Thread
	Agent    store.Agent
	Messages []store.Message
}

func (e Export) speaker(m store.Message) string {
	if m.Role == store.RoleUser {
		return "You"
	}
	if e.Agent.Name != "" {
		return e.Agent.Name
	}
	return m.AgentID
}

// Markdown renders the transcript as Markdown.
func (e Export) Markdown() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", e.Thread.Title)
	if e.Agent.Name != "" {
		fmt.Fprintf(&b, "_Agent: %s_\n\n", e.Agent.Name)
	}
	for i, m := range e.Messages {
		if i > 0 {
			b.WriteString("---\n\n")
		}
		fmt.Fprintf(&b, "**%s** · %s\n\n%s\n\n", e.speaker(m), m.CreatedAt, strings.TrimSpace(m.Content))
	}
	return b.Bytes()
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; }
hr { border: 0; border-top: 1px solid #ddd; }
{{if .Accent}}h1 { color: {{.Accent}}; }{{end}}
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the transcript as a standalone page.
func (e Export) HTML() ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert(e.Markdown(), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title  string
		Accent template.CSS
		Body   template.HTML
	}{
		Title:  e.Thread.Title,
		Accent: accentCSS(e.Agent.AccentColor),
		Body:   template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

// accentCSS passes through only #rgb / #rrggbb colors.
func accentCSS(c string) template.CSS {
	if len(c) != 4 && len(c) != 7 || !strings.HasPrefix(c, "#") {
		return ""
	}
	for _, r := range c[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return ""
		}
	}
	return template.CSS(c)
}

// Write renders e in format f to w.
func (e Export) Write(w io.Writer, f Format) error {
	var data []byte
	switch f {
	case FormatHTML:
		var err error
		if data, err = e.HTML(); err != nil {
			return err
		}
	default:
		data = e.Markdown()
	}
	_, err := w.Write(data)
	return err
}
