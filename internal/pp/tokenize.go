package pp

import "strings"

// tokenizeWhitespace splits str on runs of whitespace, dropping empty words.
func tokenizeWhitespace(str string) []string {
	return strings.Fields(str)
}

// repaste joins words with the given separator.
func repaste(words []string, sep string) string {
	return strings.Join(words, sep)
}

// trimBlanks strips leading and trailing whitespace.
func trimBlanks(str string) string {
	return strings.TrimSpace(str)
}

func isspace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isalpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// containsWhitespace reports whether any whitespace character appears in str.
func containsWhitespace(str string) bool {
	for i := 0; i < len(str); i++ {
		if isspace(str[i]) {
			return true
		}
	}
	return false
}
