package crud

import "fmt"

// RequireFields returns a Validate hook demanding non-empty values for the
// named fields on create. Updates are partial, so only presence on create is
// enforced here; anything richer belongs in a custom hook.
func RequireFields(fields ...string) func(Operation, map[string]any) error {
	return func(op Operation, data map[string]any) error {
		if op != OpCreate {
			return nil
		}
		for _, f := range fields {
			v, ok := data[f]
			if !ok || v == nil || v == "" {
				return fmt.Errorf("missing field %s", f)
			}
		}
		return nil
	}
}
