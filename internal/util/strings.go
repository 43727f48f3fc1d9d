// Package util holds small helpers shared across the gateway packages.
package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking. It is used when
// logging prefixes of tokens and codes, where only the first few characters
// may appear in log output.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and audience URLs compare
// equal regardless of how the deployment configured them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
