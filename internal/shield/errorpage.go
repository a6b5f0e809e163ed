package shield

import (
	"bytes"
	"html/template"
	"log"
	"net/http"
	"strconv"
)

var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Status}} {{.StatusText}}</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body {
	background: #DDD;
	color: #114;
	font-family: system-ui, sans-serif;
	max-width: 560px;
	line-height: 1.4;
}
h1 {
	font-family: serif;
}
a:link, a:visited {
	color: #02F !important;
}
</style>
</head>
<body>
<h1>fedishield &mdash; {{.Status}} {{.StatusText}}</h1>
<p>{{.Explanation}}</p>
{{- if .Detail}}
<p>Error message: {{.Detail}}</p>
{{- end}}
<hr>
<a href="{{.FrontURL}}">{{.Front}}</a> - powered by fedishield
</body>
</html>
`))

type errorPageData struct {
	Status      int
	StatusText  string
	Explanation string
	Detail      string
	Front       string
	FrontURL    template.URL
}

// ErrorPages renders the human-facing page for every refused or failed
// request.
type ErrorPages struct {
	front    string
	frontURL string
}

func NewErrorPages(scheme, front string) *ErrorPages {
	return &ErrorPages{front: front, frontURL: scheme + "://" + front}
}

func statusText(code int) string {
	if code == 509 {
		return "Bandwidth Limit Exceeded"
	}
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Status " + strconv.Itoa(code)
}

func explain(code int, r *http.Request) string {
	switch code {
	case http.StatusBadRequest:
		return "Your request was malformed and we're refusing to serve it."
	case http.StatusForbidden:
		return "Something about your request doesn't add up, so we're refusing to serve it."
	case http.StatusNotFound:
		return "Whatever you're looking for, it's not here."
	case http.StatusMethodNotAllowed:
		return "Only HEAD and GET are accepted here."
	case http.StatusMisdirectedRequest:
		return "We don't recognize the host " + r.Host
	case http.StatusInternalServerError:
		return "Something exploded! Please let the operator of this site know."
	case http.StatusBadGateway:
		return "We couldn't contact the remote server."
	case 509:
		return "The remote server returned a response larger than we're willing to process."
	}
	return statusText(code)
}

// Write renders the page for code. detail is shown only when it adds
// something to the status text.
func (p *ErrorPages) Write(w http.ResponseWriter, r *http.Request, code int, detail string) {
	data := errorPageData{
		Status:      code,
		StatusText:  statusText(code),
		Explanation: explain(code, r),
		Front:       p.front,
		FrontURL:    template.URL(p.frontURL),
	}
	if detail != "" && detail != data.StatusText {
		data.Detail = detail
	}

	var buf bytes.Buffer
	if err := errorPageTmpl.Execute(&buf, data); err != nil {
		log.Printf("render error page: %v", err)
		http.Error(w, data.StatusText, code)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}
