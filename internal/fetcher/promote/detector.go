package promote

import (
	"bytes"
	"strings"
)

// DefaultThreshold is the body size below which script-heavy pages are
// considered unrendered.
const DefaultThreshold = 2048

// Detector decides from a plain HTTP body whether the page needs rendering.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a Detector. Zero selects DefaultThreshold.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether body looks like a script shell instead of a
// rendered result page.
func (d *Detector) ShouldPromote(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// An unterminated script covers the rest of the document.
func scriptShare(body []byte) int {
	doc := strings.ToLower(string(body))
	if doc == "" {
		return 0
	}
	covered := 0
	for pos := 0; pos < len(doc); {
		start := strings.Index(doc[pos:], "<script")
		if start < 0 {
			break
		}
		start += pos
		end := len(doc)
		if open := strings.IndexByte(doc[start:], '>'); open >= 0 {
			content := start + open + 1
			if closeAt := strings.Index(doc[content:], "</script>"); closeAt >= 0 {
				end = content + closeAt + len("</script>")
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / len(doc)
}
