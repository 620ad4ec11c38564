// Package textutil provides text processing utilities for corpus and
// configuration parsing.
package textutil

import "strings"

// Tokenize splits a line into whitespace-separated tokens. Runs of spaces
// and tabs count as one separator.
func Tokenize(line string) []string {
	return strings.Fields(line)
}

// StripComment removes a trailing '#' comment from a line.
func StripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}
