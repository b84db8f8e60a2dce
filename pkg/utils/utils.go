// Package utils contains some common utilities used by all other packages.
package utils

import (
	"strings"
)

const (
	KeySeparator = "-#-" // used to hash a composite key
)

// HashKey is used to convert a composite key into a string
// so that it can be compared and placed in a map.
func HashKey(parts []string) string {
	return strings.Join(parts, KeySeparator)
}

// UnhashKey converts a hashed key back to its parts.
func UnhashKey(key string) []string {
	return strings.Split(key, KeySeparator)
}
