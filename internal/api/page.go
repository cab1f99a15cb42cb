package api

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/benaskins/tether/internal/supervisor"
)

var statusTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>{{.Page.Title}}</title>
  <meta charset="utf-8">
</head>
<body>
  <h1>{{.Page.Title}}</h1>
  <p>Backend <strong>{{.Info.Name}}</strong> is {{.Info.State}}{{if .Info.PID}} (pid {{.Info.PID}}){{end}}.</p>
  {{- if .Info.Uptime}}
  <p>Up for {{.Info.Uptime}}, started {{.Info.StartedAt.Format "2006-01-02 15:04:05 MST"}}.</p>
  {{- end}}
  {{- if .Page.Links}}
  <ul>
    {{- range .Page.Links}}
    <li><a href="{{.Href}}">{{if .Label}}{{.Label}}{{else}}{{.Href}}{{end}}</a></li>
    {{- end}}
  </ul>
  {{- end}}
  <hr>
  <p><em>Served by tether at {{.Now.Format "15:04:05"}}</em></p>
</body>
</html>
`))

type statusView struct {
	Page Page
	Info supervisor.Info
	Now  time.Time
}

// statusPage makes sure the backend is up before answering. A failed start
// is a plain-text 500; the caller gets the cause, not a page.
func (s *Server) statusPage(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.EnsureStarted(r.Context()); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Failed to start backend: " + err.Error()))
		return
	}

	var buf bytes.Buffer
	view := statusView{Page: *s.page.Load(), Info: s.backend.Info(), Now: time.Now()}
	if err := statusTmpl.Execute(&buf, view); err != nil {
		s.logger.Error("rendering status page", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error: " + err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
