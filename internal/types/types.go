// Package types holds small shared types used across the module.
package types

// ContextKey is a dedicated type for context value keys to avoid collisions
// with keys defined by other packages.
type ContextKey string
