package handlers

import (
	"bytes"
	"html/template"
	"net/http"

	"authz-server/internal/logging"
	"authz-server/internal/security"
)

const layout = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style nonce="{{.Nonce}}">
        * { box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 560px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f7fa;
            color: #333;
            line-height: 1.6;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        h2 { color: #2c3e50; margin-top: 0; text-align: center; }
        label { display: block; margin-bottom: 8px; font-weight: 600; color: #555; }
        input[type=text] {
            width: 100%;
            padding: 12px;
            border: 2px solid #e1e8ed;
            border-radius: 6px;
            font-size: 16px;
        }
        .scopes { background: #e7f3ff; padding: 15px; border-radius: 6px; margin: 15px 0; }
        .scopes label { font-weight: normal; }
        .error { background: #fdecea; color: #b71c1c; padding: 12px; border-radius: 6px; }
        .code { font-family: monospace; font-size: 22px; letter-spacing: 3px; text-align: center; }
        .button-group { display: flex; gap: 12px; margin-top: 25px; }
        button {
            flex: 1;
            padding: 12px 24px;
            border: none;
            border-radius: 6px;
            cursor: pointer;
            font-size: 16px;
            font-weight: 600;
            color: white;
            background: #007bff;
        }
        .btn-allow { background: #28a745; }
        .btn-deny { background: #dc3545; }
    </style>
</head>
<body>
    <div class="container">
        <h2>{{.Title}}</h2>
        {{template "content" .}}
    </div>
</body>
</html>`

const consentPage = `{{define "content"}}
        <p><strong>{{.Data.ClientName}}</strong> is requesting access to your account.</p>
        <form method="post" action="/authorize">
            {{range $k, $vs := .Data.Params}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}">
            {{end}}{{end}}
            <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
            {{if .Data.Scopes}}
            <div class="scopes">
                <strong>Requested permissions:</strong>
                {{range .Data.Scopes}}
                <label><input type="checkbox" name="granted_scopes" value="{{.Name}}" checked> {{if .Description}}{{.Description}}{{else}}{{.Name}}{{end}}</label>
                {{end}}
            </div>
            {{end}}
            <div class="button-group">
                <button type="submit" name="submit" value="allow" class="btn-allow">Allow</button>
                <button type="submit" name="submit" value="deny" class="btn-deny">Deny</button>
            </div>
        </form>
{{end}}`

const verifyPage = `{{define "content"}}
        {{if .Data.Error}}<p class="error">{{.Data.Error}}</p>{{end}}
        {{with .Data.Pending}}
        <p>Confirm this code matches the one shown on your device.</p>
        <p class="code">{{.UserCode}}</p>
        <p><strong>{{.ClientName}}</strong> wants access to your account.</p>
        {{if .Scopes}}<div class="scopes"><ul>{{range .Scopes}}<li>{{if .Description}}{{.Description}}{{else}}{{.Name}}{{end}}</li>{{end}}</ul></div>{{end}}
        <form method="post" action="/verify">
            <input type="hidden" name="user_code" value="{{.UserCode}}">
            <input type="hidden" name="csrf_token" value="{{$.CSRFToken}}">
            <div class="button-group">
                <button type="submit" name="action" value="allow" class="btn-allow">Allow</button>
                <button type="submit" name="action" value="deny" class="btn-deny">Deny</button>
            </div>
        </form>
        {{else}}
        <form method="get" action="/verify">
            <label for="user_code">Enter the code shown on your device:</label>
            <input type="text" id="user_code" name="user_code" value="{{.Data.UserCode}}" autocomplete="off" required>
            <div class="button-group"><button type="submit">Continue</button></div>
        </form>
        {{end}}
{{end}}`

const loginPage = `{{define "content"}}
        {{if .Data.Error}}<p class="error">{{.Data.Error}}</p>{{end}}
        <p>Development sign-in. Enter a subject from the identity directory.</p>
        <form method="post" action="/login">
            <input type="hidden" name="return_to" value="{{.Data.ReturnTo}}">
            <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
            <label for="subject">Subject:</label>
            <input type="text" id="subject" name="subject" required autocomplete="username">
            <div class="button-group"><button type="submit">Sign in</button></div>
        </form>
{{end}}`

const logoutPage = `{{define "content"}}
        <p>Do you want to sign out{{if .Data.ClientName}} of {{.Data.ClientName}}{{end}}?</p>
        <form method="post" action="/logout">
            {{range $k, $vs := .Data.Params}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}">
            {{end}}{{end}}
            <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
            <div class="button-group"><button type="submit" class="btn-deny">Sign out</button></div>
        </form>
{{end}}`

const messagePage = `{{define "content"}}
        <p{{if .Data.IsError}} class="error"{{end}}>{{.Data.Message}}</p>
{{end}}`

var pages = map[string]*template.Template{
	"consent": mustPage(consentPage),
	"verify":  mustPage(verifyPage),
	"login":   mustPage(loginPage),
	"logout":  mustPage(logoutPage),
	"message": mustPage(messagePage),
}

func mustPage(content string) *template.Template {
	return template.Must(template.Must(template.New("layout").Parse(layout)).Parse(content))
}

type pageData struct {
	Title     string
	Nonce     string
	CSRFToken string
	Data      interface{}
}

type message struct {
	Message string
	IsError bool
}

// render executes a page into a buffer first so a template failure never leaves half a
// page on the wire. The page's CSP is widened with a fresh nonce for its style block.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title, csrfToken string, data interface{}) {
	nonce, err := security.GenerateCSPNonce()
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to generate CSP nonce")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := pages[name].Execute(&buf, pageData{Title: title, Nonce: nonce, CSRFToken: csrfToken, Data: data}); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to render " + name + " page")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	policy := security.GetSecurityPolicy(r.URL.Path)
	w.Header().Set("Content-Security-Policy", security.ApplyCSPNonce(policy.CSP, nonce))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (h *Handler) renderMessage(w http.ResponseWriter, r *http.Request, status int, title, text string) {
	h.render(w, r, status, "message", title, "", message{Message: text, IsError: status >= http.StatusBadRequest})
}

// csrfToken issues a token bound to binding, or "" when generation fails; the form then
// fails validation on submit.
func (h *Handler) csrfToken(r *http.Request, binding string) string {
	token, err := h.csrf.GenerateToken(binding)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to generate CSRF token")
		return ""
	}
	return token
}
