// Package runtimex contains small helpers for enforcing invariants that, if
// violated, indicate a programming error rather than a runtime condition a
// caller should recover from.
package runtimex

import "fmt"

// Assert panics with msg if cond is false. Use it for invariants that must
// hold by construction (e.g. a slice length fixed by an earlier length check).
func Assert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// Assertf is like [Assert] but with a format string.
func Assertf(cond bool, format string, v ...any) {
	if !cond {
		panic(fmt.Sprintf(format, v...))
	}
}

// PanicOnError panics with err if it is non-nil. Use it to surface errors
// from operations that cannot fail given how this codebase calls them
// (e.g. parsing a compile-time-constant layout).
func PanicOnError(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %s", msg, err.Error()))
	}
}
