// Package util provides small helpers shared across the module.
package util

import "strings"

// UCase returns the upper-case form of s.
func UCase[T ~string](s T) string { return strings.ToUpper(string(s)) }

// LCase returns the lower-case form of s.
func LCase[T ~string](s T) string { return strings.ToLower(string(s)) }

// EqFold reports whether two strings are equal ignoring case.
func EqFold[T1, T2 ~string](a T1, b T2) bool {
	return strings.EqualFold(string(a), string(b))
}
