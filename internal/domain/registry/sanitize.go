package registry

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxPathLen caps config_path and entry_path.
const MaxPathLen = 64

var (
	boundMethodPattern = regexp.MustCompile(`bound method\s+([A-Za-z_][A-Za-z0-9_]*)`)
	unsafeChars        = strings.NewReplacer("\r", "", "\n", "", `"`, "")
)

// Sanitize normalizes a raw submission. It never fails and never drops keys; the returned
// diagnostics describe truncations that the caller may want to log.
func Sanitize(in Submission) (Submission, []Diagnostic) {
	out := make(Submission, len(in))
	var diags []Diagnostic
	for key, value := range in {
		text, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}
		text = strings.TrimSpace(unsafeChars.Replace(text))
		switch key {
		case KeyStationModel:
			if m := boundMethodPattern.FindStringSubmatch(text); m != nil {
				text = m[1]
			}
		case KeyConfigPath, KeyEntryPath:
			var truncated bool
			text, truncated = cleanPath(text)
			if truncated {
				diags = append(diags, Diagnostic{
					Field:   key,
					Message: fmt.Sprintf("truncated to %d characters", MaxPathLen),
				})
			}
		}
		out[key] = text
	}
	return out, diags
}

func cleanPath(p string) (string, bool) {
	if p == "" {
		return p, false
	}
	p = normalizePath(strings.ReplaceAll(p, `\`, "/"))
	if utf8.RuneCountInString(p) <= MaxPathLen {
		return p, false
	}
	runes := []rune(p)
	return normalizePath(string(runes[:MaxPathLen])), true
}

// normalizePath cleans until stable so that a second sanitize pass is a no-op.
func normalizePath(p string) string {
	for {
		next := path.Clean(strings.TrimSpace(p))
		if next == p {
			return p
		}
		p = next
	}
}
