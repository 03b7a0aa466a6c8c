// ABOUTME: Helpers for building store errors that wrap the package sentinels.
package execution

import "fmt"

func fmtStale(id string, from, to Status) error {
	return fmt.Errorf("%w: execution %s cannot move from %s to %s", ErrStale, id, from, to)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
