package oauth

import "html/template"

// loginPageHTML is the local-mode login form. Deliberately minimal: the
// gateway's HTML surface is this one form plus the error page.
const loginPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in to Sokosumi MCP</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 26rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.25rem; }
label { display: block; margin: 1rem 0 0.25rem; }
input[type=password] { width: 100%; padding: 0.5rem; box-sizing: border-box; }
button { margin-top: 1rem; padding: 0.5rem 1.5rem; }
.error { color: #b00020; margin-top: 1rem; }
</style>
</head>
<body>
<h1>Sign in to Sokosumi MCP</h1>
<p>Enter your Sokosumi API key to authorize <strong>{{.ClientID}}</strong>.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="{{.LoginPath}}">
<input type="hidden" name="session_id" value="{{.SessionID}}">
<label for="api_key">API key</label>
<input type="password" id="api_key" name="api_key" autocomplete="off" autofocus required>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`

// errorPageHTML is rendered for flow errors that cannot be redirected back
// to the client.
const errorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization error</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 26rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.25rem; }
.code { color: #666; }
</style>
</head>
<body>
<h1>Authorization error</h1>
<p>{{.Description}}</p>
<p class="code">{{.Code}}</p>
{{if .RetryURL}}<p><a href="{{.RetryURL}}">Return to Sokosumi and try again</a></p>{{end}}
</body>
</html>
`

var (
	loginTemplate = template.Must(template.New("login").Parse(loginPageHTML))
	errorTemplate = template.Must(template.New("error").Parse(errorPageHTML))
)

// loginPageData feeds the login template.
type loginPageData struct {
	SessionID string
	ClientID  string
	LoginPath string
	Error     string
}

// errorPageData feeds the error template.
type errorPageData struct {
	Code        string
	Description string

	// RetryURL links the user back to the upstream identity provider. Empty
	// in local mode, which suppresses the link.
	RetryURL string
}
