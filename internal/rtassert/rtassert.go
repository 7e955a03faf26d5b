// Package rtassert implements the fatal-assertion error-policy rows of
// the error-handling table (spec §7): violations of an invariant that
// can only mean a bug in this engine (not bad host input) panic
// immediately rather than being reported and limped past.
package rtassert

import "fmt"

// Assert panics with a formatted message if cond is false. Use it only
// for conditions whose failure means an internal invariant broke — a
// buffer handle out of range, a task graph with a dangling dependency,
// a resolved value of the wrong primitive type. Never use it to
// validate host-supplied data; that belongs in an error return.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Unreachable panics immediately; use it in a switch default case that
// every valid value should already have matched.
func Unreachable(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
