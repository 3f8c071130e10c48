package source

import (
	"bytes"
	"strings"
)

// blockMarkers are fragments of known anti-bot interstitials. The source
// serves these with a 200 status, so status-code classification alone cannot
// catch them.
var blockMarkers = []string{
	"are you for real",
	"shieldsquare",
	"perimeterx",
	"px-captcha",
	"validate.perfdrive.com",
}

// DefaultBlockDetector reports whether a response body is an anti-bot
// interstitial rather than a listings page.
func DefaultBlockDetector(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range blockMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

// DefaultUserAgents returns the rotation pool used when none is configured.
// Rotating a realistic browser identity per request makes the traffic less
// fingerprintable than a single static agent.
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	}
}

// normalizeSpace collapses runs of whitespace, used by extractors on
// free-text fields.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
