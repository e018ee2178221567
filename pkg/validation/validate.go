// Package validation checks File Identifier Descriptor names (ECMA-167
// 4/14.4.9) against the two characters UDF forbids in a decoded file name:
// NUL and the path separator '/'. The teacher's ValidISO9660FileIdentifier/
// ValidISO9660DirIdentifier pair validated against the fixed d-characters/
// d1-characters sets of ECMA-119, which has no UDF equivalent — a UDF name
// is OSTA-compressed Unicode with almost no character restricted — so this
// keeps the teacher's rune-scan-vs-regex shape (and its benchmark) while
// swapping the character-set test for the forbidden-character test.
package validation

import (
	"regexp"
	"strings"
)

// forbiddenChars holds the code points ECMA-167 4/14.4.9 and UDF 2.1.4.2
// forbid in a decoded file identifier.
const forbiddenChars = "\x00/"

// ValidFileIdentifier reports whether a decoded FID name contains none of
// the characters UDF forbids.
func ValidFileIdentifier(name string) bool {
	return validateIdentifierRune(name)
}

// validateIdentifierRune scans each rune of name, rejecting it if any
// forbidden character is present.
func validateIdentifierRune(name string) bool {
	for _, r := range name {
		if strings.ContainsRune(forbiddenChars, r) {
			return false
		}
	}
	return true
}

// forbiddenRegexp is the regex-based equivalent of validateIdentifierRune,
// kept alongside it (and benchmarked against it) the way the teacher kept
// both a rune-scan and a regex implementation of the same check.
var forbiddenRegexp = regexp.MustCompile(`[\x00/]`)

// validateIdentifierRegex uses a regular expression to reject forbidden
// characters.
func validateIdentifierRegex(name string) bool {
	return !forbiddenRegexp.MatchString(name)
}
