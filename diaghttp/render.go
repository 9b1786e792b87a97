package diaghttp

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/internal/diagutil"
)

// wantsHTML reports whether the response should be rendered as HTML rather
// than JSON. The json query parameter forces JSON.
func wantsHTML(r *http.Request) bool {
	return RequestExplicitlyAccepts(r, "text/html") && !r.URL.Query().Has("json")
}

func renderHTML(w http.ResponseWriter, templateName string, data any) {
	code := http.StatusOK
	body, err := renderTemplate(templateName, data)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte("<html><body><h1>Error</h1><p>" + template.HTMLEscapeString(err.Error()) + "</p></body></html>")
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

func renderTemplate(templateName string, data any) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.Newf("PANIC: %v", x)
		}
	}()

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		return nil, errors.Wrap(err, "execute template")
	}
	return buf.Bytes(), nil
}

var templateFuncs = template.FuncMap{
	"span": func(s diag.Span) string {
		return diagutil.HumanizeDuration(s.Duration())
	},
	"seconds": diagutil.HumanizeSeconds,
	"unix": func(s float64) string {
		return time.Unix(0, int64(s*float64(time.Second))).UTC().Format(time.RFC3339)
	},
	"json": func(v any) string {
		buf, err := json.Marshal(v)
		if err != nil {
			return err.Error()
		}
		return string(buf)
	},
}

var templates = template.Must(template.New("root").Funcs(templateFuncs).Parse(`
{{ define "session.html" }}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>session {{ .CorrelationID }}</title></head>
<body>
<h1>{{ .CorrelationID }}</h1>
<h2>singular</h2>
<table>
{{ range $name, $value := .Singular }}<tr><td>{{ $name }}</td><td><code>{{ json $value }}</code></td></tr>
{{ end }}</table>
<h2>timed</h2>
<table>
{{ range $name, $values := .Timed }}{{ range $values }}<tr><td>{{ $name }}</td><td><code>{{ json .Value }}</code></td><td>{{ span .Span }}</td></tr>
{{ end }}{{ end }}</table>
<h2>queries</h2>
<table>
{{ range $class, $queries := .Queries }}{{ range $queries }}<tr><td>{{ $class }} {{ .Kind }}</td><td><code>{{ .Text }}</code></td><td>{{ span .Span }}</td></tr>
{{ if .Explain }}<tr><td></td><td colspan="2"><code>{{ json .Explain }}</code></td></tr>
{{ end }}{{ end }}{{ end }}</table>
<h2>freeform</h2>
<table>
{{ range $name, $values := .Freeform }}{{ range $values }}<tr><td>{{ $name }}</td><td><code>{{ json . }}</code></td></tr>
{{ end }}{{ end }}</table>
</body>
</html>
{{ end }}

{{ define "history.html" }}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>history</title></head>
<body>
<table>
<tr><th>start</th><th>method</th><th>path</th><th>status</th><th>duration</th><th>session</th></tr>
{{ range . }}<tr><td>{{ unix .Start }}</td><td>{{ .Method }}</td><td>{{ .Path }}</td><td>{{ .Status }}</td><td>{{ seconds .Duration }}</td><td><a href="../sessions/{{ .CorrelationID }}">{{ .CorrelationID }}</a></td></tr>
{{ end }}</table>
</body>
</html>
{{ end }}
`))
