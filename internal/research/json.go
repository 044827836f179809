package research

import (
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON pulls a JSON object or array out of model output text.
// It accepts, in order of preference:
//  1. a ```json ... ``` (or bare ```) code fence,
//  2. the whole text,
//  3. the outermost {...} or [...] fragment embedded in prose.
//
// The returned string is not guaranteed to be valid JSON; callers decode
// it and treat failure as malformed output.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		if candidate := strings.TrimSpace(m[1]); candidate != "" {
			return candidate, true
		}
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text, true
	}

	if frag := outermost(text, '{', '}'); frag != "" {
		return frag, true
	}
	if frag := outermost(text, '[', ']'); frag != "" {
		return frag, true
	}
	return "", false
}

// outermost returns the substring from the first opening byte through the
// last closing byte, or "" when no such span exists.
func outermost(text string, opener, closer byte) string {
	start := strings.IndexByte(text, opener)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}
