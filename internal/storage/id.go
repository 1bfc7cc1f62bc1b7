package storage

import "fmt"

// DefaultID is the state ID used when the caller names none.
const DefaultID = "default"

const maxIDLength = 128

// ValidateID reports whether id can name a stored state. IDs are single
// path elements made of letters, digits, '.', '_' and '-', and may not
// start with a dot.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLength)
	}
	if id[0] == '.' {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidID, id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, c)
		}
	}
	return nil
}
