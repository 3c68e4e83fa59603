package utils

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Substitute replaces {key} placeholders in a template with the matching
// variable values. Unknown keys are replaced with an empty string so a
// half-filled lead never leaks raw placeholders into an outbound email.
func Substitute(template string, variables map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		return variables[key]
	})
}
