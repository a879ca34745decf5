// Package fetcher retrieves pages via an ordered strategy fallback chain.
package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Volatile token patterns stripped before hashing, so an unchanged page
// hashes identically across fetches. Order matters: attribute-level
// patterns run before the generic timestamp sweep.
var volatilePatterns = []*regexp.Regexp{
	// Hidden CSRF inputs and meta tags.
	regexp.MustCompile(`(?i)<input[^>]*name=["']?[^"'>]*(?:csrf|token|nonce)[^"'>]*["']?[^>]*>`),
	regexp.MustCompile(`(?i)<meta[^>]*name=["']?[^"'>]*(?:csrf|token)[^"'>]*["']?[^>]*>`),
	// Nonce attributes on script/style tags.
	regexp.MustCompile(`(?i)\snonce=["'][^"']*["']`),
	// Session identifiers in query strings.
	regexp.MustCompile(`(?i)[?&](?:sessionid|session_id|sid|phpsessid|jsessionid)=[^"'&\s]*`),
	// ISO-8601 timestamps.
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
	// Unix epoch values in data attributes.
	regexp.MustCompile(`(?i)data-(?:timestamp|time|ts)=["']?\d{9,13}["']?`),
	// HTML comments, which frequently embed generation times.
	regexp.MustCompile(`<!--[\s\S]*?-->`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ContentHash computes a change-detection fingerprint over markup with
// volatile tokens stripped and whitespace collapsed.
func ContentHash(markup []byte) string {
	normalized := markup
	for _, p := range volatilePatterns {
		normalized = p.ReplaceAll(normalized, nil)
	}
	normalized = whitespaceRun.ReplaceAll(normalized, []byte(" "))
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}
