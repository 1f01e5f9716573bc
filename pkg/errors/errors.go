// Package errors adds call-site context to errors as they travel up the stack.
package errors

import "fmt"

// Wrap prefixes err with context, preserving the chain for errors.Is/As.
// A nil err passes through unchanged.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
