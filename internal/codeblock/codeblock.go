// Package codeblock pulls fenced code blocks out of model answers.
package codeblock

import "strings"

const fence = "```"

// Extract returns the interior of the first block fenced with "```"+lang.
// The block ends at the next fence after the opening marker, or at the end
// of text when the fence is never closed. Surrounding whitespace is trimmed.
func Extract(text, lang string) (string, bool) {
	marker := fence + lang
	start := strings.Index(text, marker)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(marker):]
	if end := strings.Index(rest, fence); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// ExtractOrRaw returns the fenced block for lang, or text unchanged when
// there is none.
func ExtractOrRaw(text, lang string) string {
	if code, ok := Extract(text, lang); ok {
		return code
	}
	return text
}

// Python is ExtractOrRaw for ```python blocks.
func Python(text string) string {
	return ExtractOrRaw(text, "python")
}
