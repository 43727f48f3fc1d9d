package security

import (
	"net/http"
	"net/url"
)

// SetHeaders applies the response headers every OAuth endpoint needs:
// clickjacking and sniffing protection, a strict CSP, no referrer leakage,
// and no caching of token or metadata responses. HSTS is added only when the
// external server URL is HTTPS.
func SetHeaders(w http.ResponseWriter, serverURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetFormHeaders relaxes the CSP enough to render the login form, which
// carries a small inline stylesheet. All other protections stay in place.
func SetFormHeaders(w http.ResponseWriter, serverURL string) {
	SetHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
}
