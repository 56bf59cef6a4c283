package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeCode returns the comparison key for a line-item code. Verdict
// payloads and provider responses do not reliably preserve case or
// full-width characters, so codes are matched after NFKC and case folding.
func NormalizeCode(code string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(code)))
}
