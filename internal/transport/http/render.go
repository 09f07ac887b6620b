package http

import (
	"html/template"
	"net/http"

	"aselect/internal/orchestrator"
)

// Minimal server-rendered pages. Deployments replace these with branded
// templates; the field names are the contract.
var pages = template.Must(template.New("pages").Parse(`
{{define "user_id"}}<!DOCTYPE html>
<html><head><title>Log in</title></head><body>
<form method="post" action="/aselect">
<input type="hidden" name="request" value="login2">
<input type="hidden" name="rid" value="{{.rid}}">
<input type="hidden" name="a-select-server" value="{{.server}}">
<label>User id <input name="uid"></label>
<button type="submit">Continue</button>
</form>
</body></html>{{end}}

{{define "select"}}<!DOCTYPE html>
<html><head><title>Choose authentication method</title></head><body>
<form method="post" action="/aselect">
<input type="hidden" name="request" value="login3">
<input type="hidden" name="rid" value="{{.rid}}">
<input type="hidden" name="a-select-server" value="{{.server}}">
<p>User: {{.uid}}</p>
{{range .authsps}}<button type="submit" name="authsp" value="{{.id}}">{{.id}} (level {{.level}})</button>{{end}}
</form>
</body></html>{{end}}

{{define "direct_login"}}<!DOCTYPE html>
<html><head><title>Log in</title></head><body>
{{if .action}}
<form method="post" action="{{.action}}">
{{range $k, $v := .fields}}<input type="hidden" name="{{$k}}" value="{{$v}}">{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.forms[0].submit();</script>
{{else}}
<form method="post" action="/aselect">
<input type="hidden" name="request" value="direct_login2">
<input type="hidden" name="rid" value="{{.rid}}">
<input type="hidden" name="a-select-server" value="{{.server}}">
<input type="hidden" name="authsp" value="{{.authsp}}">
<label>User id <input name="uid"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Log in</button>
</form>
{{end}}
</body></html>{{end}}

{{define "logged_out"}}<!DOCTYPE html>
<html><head><title>Logged out</title></head><body>
<p>You have been logged out.</p>
</body></html>{{end}}

{{define "error"}}<!DOCTYPE html>
<html><head><title>Authentication error</title></head><body>
<p>Authentication failed (code {{.code}}).</p>
</body></html>{{end}}
`))

func (h *Handler) renderPage(w http.ResponseWriter, p *orchestrator.Page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, p.Template, p.Data); err != nil {
		h.logger.Error("render page failed", "template", p.Template, "error", err)
	}
}
